package deploy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func readDockerfile(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "Dockerfile"))
	if err != nil {
		t.Fatalf("read dockerfile: %v", err)
	}
	return string(data)
}

func TestResolveDescriptorPrecedence(t *testing.T) {
	cases := []struct {
		name    string
		files   map[string]string
		runtime string
		marker  string
	}{
		{"node beats python", map[string]string{"package.json": `{}`, "requirements.txt": "flask\n"}, runtimeNode, "FROM node:18-alpine"},
		{"python beats go", map[string]string{"requirements.txt": "flask\n", "go.mod": "module x\n"}, runtimePython, "FROM python:3.9-slim"},
		{"go beats ruby", map[string]string{"go.mod": "module x\n", "Gemfile": ""}, runtimeGo, "FROM golang:1.24 AS builder"},
		{"ruby", map[string]string{"Gemfile": ""}, runtimeRuby, "FROM ruby:3.3"},
		{"generic fallback", map[string]string{"index.html": "<html>"}, runtimeGeneric, "RUN npm install"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tc.files {
				writeFile(t, dir, name, content)
			}
			desc, err := resolveDescriptor(dir)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if desc.Runtime != tc.runtime || !desc.Generated {
				t.Fatalf("expected generated %s descriptor, got %+v", tc.runtime, desc)
			}
			if df := readDockerfile(t, dir); !strings.Contains(df, tc.marker) {
				t.Fatalf("dockerfile missing %q:\n%s", tc.marker, df)
			}
		})
	}
}

func TestResolveDescriptorKeepsRepositoryDockerfile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{}`)
	writeFile(t, dir, "Dockerfile", "FROM scratch\n")
	desc, err := resolveDescriptor(dir)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if desc.Runtime != runtimeDockerfile || desc.Generated {
		t.Fatalf("expected repository dockerfile, got %+v", desc)
	}
	if df := readDockerfile(t, dir); df != "FROM scratch\n" {
		t.Fatalf("dockerfile was rewritten: %q", df)
	}
}

func TestNodePackageManagerSelection(t *testing.T) {
	t.Run("packageManager field", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{"packageManager":"pnpm@8.6.0"}`)
		if pm := detectNodePackageManager(dir); pm != "pnpm" {
			t.Fatalf("expected pnpm, got %s", pm)
		}
	})
	t.Run("yarn lock", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{}`)
		writeFile(t, dir, "yarn.lock", "\n")
		desc, err := resolveDescriptor(dir)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if desc.PackageManager != "yarn" {
			t.Fatalf("expected yarn, got %s", desc.PackageManager)
		}
		if df := readDockerfile(t, dir); !strings.Contains(df, "yarn install --frozen-lockfile") {
			t.Fatalf("expected yarn install:\n%s", df)
		}
	})
	t.Run("npm default", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "package.json", `{"name":"demo"}`)
		if pm := detectNodePackageManager(dir); pm != "npm" {
			t.Fatalf("expected npm, got %s", pm)
		}
	})
}
