// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/common/expfmt"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/protobuf/proto"
)

// PrometheusName converts a metric name to the Prometheus form, e.g.
// "/interp/ops" becomes "x86core_interp_ops".
func PrometheusName(name string) string {
	return "x86core" + strings.ReplaceAll(name, "/", "_")
}

func (m *Uint64Metric) family() *dto.MetricFamily {
	f := &dto.MetricFamily{
		Name: proto.String(PrometheusName(m.name)),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for key := range m.fields {
		pm := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(m.fields[key].Load()))},
		}
		if len(m.fieldMapper.fields) > 0 {
			for i, val := range m.fieldMapper.keyToMultiField(key) {
				pm.Label = append(pm.Label, &dto.LabelPair{
					Name:  proto.String(m.fieldMapper.fields[i].name),
					Value: proto.String(val),
				})
			}
		}
		f.Metric = append(f.Metric, pm)
	}
	return f
}

// WriteText writes every metric in r to w in the Prometheus text exposition
// format, sorted by name.
func (r *Registry) WriteText(w io.Writer) error {
	for _, m := range r.sorted() {
		if _, err := expfmt.MetricFamilyToText(w, m.family()); err != nil {
			return fmt.Errorf("writing metric %q: %w", m.name, err)
		}
	}
	return nil
}
