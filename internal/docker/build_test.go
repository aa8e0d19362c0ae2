package docker

import (
	"reflect"
	"strings"
	"testing"
)

func TestDecodeBuildStreamSplitsLines(t *testing.T) {
	stream := strings.Join([]string{
		`{"stream":"Step 1/3 : FROM node:18-alpine\n"}`,
		`{"stream":" ---> abc"}`,
		`{"stream":"123\nStep 2/3 : RUN npm ci\n"}`,
		`{"status":"Pulling fs layer","id":"deadbeef"}`,
		`{"aux":{"ID":"sha256:1"}}`,
	}, "\n")

	var lines []string
	if err := decodeBuildStream(strings.NewReader(stream), func(l string) { lines = append(lines, l) }); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{
		"Step 1/3 : FROM node:18-alpine",
		" ---> abc123",
		"Step 2/3 : RUN npm ci",
		"deadbeef: Pulling fs layer",
		"image id: sha256:1",
	}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("unexpected lines:\n got %q\nwant %q", lines, want)
	}
}

func TestDecodeBuildStreamReturnsBuilderError(t *testing.T) {
	stream := `{"stream":"Step 1/2 : RUN false\n"}
{"errorDetail":{"message":"The command '/bin/sh -c false' returned a non-zero code: 1"},"error":"The command '/bin/sh -c false' returned a non-zero code: 1"}`
	var lines []string
	err := decodeBuildStream(strings.NewReader(stream), func(l string) { lines = append(lines, l) })
	if err == nil || !strings.Contains(err.Error(), "non-zero code") {
		t.Fatalf("expected builder error, got %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected output before the error to be delivered, got %q", lines)
	}
}

func TestLaunchSpecConfigs(t *testing.T) {
	spec := LaunchSpec{
		Name:   "orbitec-app-1",
		Image:  "orbitec-app-1:latest",
		Env:    []string{"PORT=8000"},
		Port:   8000,
		Labels: map[string]string{"orbitec.app.id": "1"},
	}
	cfg, hostCfg, err := spec.configs()
	if err != nil {
		t.Fatalf("configs: %v", err)
	}
	if _, ok := cfg.ExposedPorts["8000/tcp"]; !ok {
		t.Fatalf("expected 8000/tcp exposed, got %v", cfg.ExposedPorts)
	}
	bindings := hostCfg.PortBindings["8000/tcp"]
	if len(bindings) != 1 || bindings[0].HostPort != "8000" {
		t.Fatalf("unexpected bindings %v", bindings)
	}
	if hostCfg.RestartPolicy.Name != "unless-stopped" {
		t.Fatalf("unexpected restart policy %q", hostCfg.RestartPolicy.Name)
	}

	if _, _, err := (LaunchSpec{Name: "x", Image: "y"}).configs(); err == nil {
		t.Fatalf("expected missing port to fail")
	}
}
