package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strand/internal/topology"
)

func sampleAssignment(t *testing.T) []topology.Assignment {
	t.Helper()
	topo, err := topology.Parse([]byte("gpu:\n  host: 10.0.0.2:10128\n  layers:\n    - model.layers.1-2\n"))
	if err != nil {
		t.Fatal(err)
	}
	return topo.Assign([]string{"model.layers.0", "model.layers.1", "model.layers.2", "model.layers.3"})
}

func TestWriteAssignment(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	if err := writeAssignment(&out, sampleAssignment(t)); err != nil {
		t.Fatal(err)
	}
	s := out.String()
	for _, want := range []string{
		"model.layers.1  gpu",
		"10.0.0.2:10128",
		"3 steps per forward pass",
		"local block 0",
		"batch gpu blocks 1..2",
		"local block 3",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
}

func TestWriteAssignmentJSON(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	if err := writeAssignmentJSON(&out, sampleAssignment(t)); err != nil {
		t.Fatal(err)
	}
	var got []map[string]string
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 4 || got[0]["node"] != topology.Local || got[2]["host"] != "10.0.0.2:10128" {
		t.Fatalf("unexpected %+v", got)
	}
	if _, ok := got[0]["host"]; ok {
		t.Fatal("local layers carry no host")
	}
}
