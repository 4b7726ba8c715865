/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/panteparak/vault-credential-broker/pkg/broker"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// secretOutput is the printed form of a broker.Result.
type secretOutput struct {
	Path          string            `json:"path" yaml:"path"`
	Version       int64             `json:"version" yaml:"version"`
	BrokerVersion int64             `json:"brokerVersion,omitempty" yaml:"brokerVersion,omitempty"`
	Class         string            `json:"class" yaml:"class"`
	FetchedAt     time.Time         `json:"fetchedAt" yaml:"fetchedAt"`
	LeaseDuration string            `json:"leaseDuration,omitempty" yaml:"leaseDuration,omitempty"`
	Cached        bool              `json:"cached" yaml:"cached"`
	Stale         bool              `json:"stale,omitempty" yaml:"stale,omitempty"`
	Warning       string            `json:"warning,omitempty" yaml:"warning,omitempty"`
	Data          map[string]string `json:"data" yaml:"data"`
}

func newSecretOutput(res *broker.Result) secretOutput {
	out := secretOutput{
		Path:          res.Path,
		Version:       res.Version,
		BrokerVersion: res.BrokerVersion,
		Class:         string(res.Class),
		FetchedAt:     res.FetchedAt,
		Cached:        res.Cached,
		Stale:         res.Stale,
		Warning:       res.Warning,
		Data:          res.Data,
	}
	if res.LeaseDuration > 0 {
		out.LeaseDuration = res.LeaseDuration.String()
	}
	return out
}

func validateFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (want text, json or yaml)", format)
	}
}

// render writes v in format. Text output is produced by text.
func render(w io.Writer, format string, v interface{}, text func(io.Writer) error) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(w)
	}
}

func writeSecretText(w io.Writer, out secretOutput) error {
	if out.Warning != "" {
		if _, err := fmt.Fprintf(w, "# WARNING: %s\n", out.Warning); err != nil {
			return err
		}
	}
	keys := make([]string, 0, len(out.Data))
	for k := range out.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s=%s\n", k, out.Data[k]); err != nil {
			return err
		}
	}
	return nil
}
