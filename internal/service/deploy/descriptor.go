package deploy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	runtimeDockerfile = "dockerfile"
	runtimeNode       = "node"
	runtimePython     = "python"
	runtimeGo         = "go"
	runtimeRuby       = "ruby"
	runtimeGeneric    = "generic"
)

// descriptor is the outcome of build-descriptor resolution.
type descriptor struct {
	Runtime        string
	Generated      bool
	PackageManager string
}

type detector struct {
	runtime string
	matches func(workdir string) bool
	render  func(workdir string) (string, string)
}

// detectors lists marker files in precedence order; the first match wins.
var detectors = []detector{
	{runtime: runtimeNode, matches: hasFile("package.json"), render: renderNodeDockerfile},
	{runtime: runtimePython, matches: hasFile("requirements.txt"), render: renderPythonDockerfile},
	{runtime: runtimeGo, matches: hasFile("go.mod"), render: renderGoDockerfile},
	{runtime: runtimeRuby, matches: hasFile("Gemfile"), render: renderRubyDockerfile},
}

// resolveDescriptor keeps a Dockerfile shipped with the repository, or
// writes one synthesized from the first matching marker file.
func resolveDescriptor(workdir string) (descriptor, error) {
	ok, err := hasDockerfile(workdir)
	if err != nil {
		return descriptor{}, err
	}
	if ok {
		return descriptor{Runtime: runtimeDockerfile}, nil
	}
	runtime, content, pm := runtimeGeneric, renderGenericDockerfile(), ""
	for _, d := range detectors {
		if d.matches(workdir) {
			runtime = d.runtime
			content, pm = d.render(workdir)
			break
		}
	}
	if err := os.WriteFile(filepath.Join(workdir, "Dockerfile"), []byte(content), 0o644); err != nil {
		return descriptor{}, fmt.Errorf("write dockerfile: %w", err)
	}
	return descriptor{Runtime: runtime, Generated: true, PackageManager: pm}, nil
}

func hasFile(name string) func(string) bool {
	return func(workdir string) bool {
		return fileExists(filepath.Join(workdir, name))
	}
}

func renderNodeDockerfile(workdir string) (string, string) {
	pm := detectNodePackageManager(workdir)
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:18-alpine\n")
	b.WriteString("WORKDIR /app\n\n")
	switch pm {
	case "yarn":
		b.WriteString("COPY package.json yarn.lock ./\n")
		b.WriteString("RUN corepack enable && yarn install --frozen-lockfile --production\n\n")
	case "pnpm":
		b.WriteString("COPY package.json pnpm-lock.yaml ./\n")
		b.WriteString("RUN corepack enable && pnpm install --frozen-lockfile --prod\n\n")
	default:
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN if [ -f package-lock.json ] || [ -f npm-shrinkwrap.json ]; then npm ci --omit=dev; else npm install --omit=dev; fi\n\n")
	}
	b.WriteString("COPY . .\n")
	b.WriteString("ENV NODE_ENV=production\n")
	b.WriteString("EXPOSE 3000\n")
	b.WriteString("CMD [\"npm\", \"start\"]\n")
	return b.String(), pm
}

func renderPythonDockerfile(string) (string, string) {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM python:3.9-slim\n")
	b.WriteString("WORKDIR /app\n\n")
	b.WriteString("COPY requirements.txt .\n")
	b.WriteString("RUN pip install --no-cache-dir -r requirements.txt\n\n")
	b.WriteString("COPY . .\n")
	b.WriteString("ENV PYTHONUNBUFFERED=1\n")
	b.WriteString("EXPOSE 8000\n")
	b.WriteString("CMD [\"python\", \"app.py\"]\n")
	return b.String(), "pip"
}

func renderGoDockerfile(string) (string, string) {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM golang:1.24 AS builder\n")
	b.WriteString("WORKDIR /src\n\n")
	b.WriteString("COPY go.* ./\n")
	b.WriteString("RUN go mod download\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("RUN CGO_ENABLED=0 GOOS=linux go build -o /out/app .\n\n")
	b.WriteString("FROM debian:bookworm-slim\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("RUN apt-get update && apt-get install -y --no-install-recommends ca-certificates && rm -rf /var/lib/apt/lists/*\n")
	b.WriteString("COPY --from=builder /out/app ./app\n")
	b.WriteString("CMD [\"./app\"]\n")
	return b.String(), "go"
}

func renderRubyDockerfile(string) (string, string) {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM ruby:3.3\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("ENV BUNDLE_WITHOUT=development:test\n")
	b.WriteString("COPY Gemfile* ./\n")
	b.WriteString("RUN gem install bundler && bundle install --jobs 4 --retry 3\n\n")
	b.WriteString("COPY . ./\n")
	b.WriteString("CMD [\"sh\", \"-c\", \"bundle exec puma -b tcp://0.0.0.0:${PORT}\"]\n")
	return b.String(), "bundler"
}

func renderGenericDockerfile() string {
	var b strings.Builder
	b.WriteString("# syntax=docker/dockerfile:1\n")
	b.WriteString("FROM node:18-alpine\n")
	b.WriteString("WORKDIR /app\n")
	b.WriteString("COPY . .\n")
	b.WriteString("RUN npm install\n")
	b.WriteString("EXPOSE 3000\n")
	b.WriteString("CMD [\"npm\", \"start\"]\n")
	return b.String()
}

func hasDockerfile(workdir string) (bool, error) {
	entries, err := os.ReadDir(workdir)
	if err != nil {
		return false, fmt.Errorf("read workspace: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && entry.Name() == "Dockerfile" {
			return true, nil
		}
	}
	return false, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

type npmManifest struct {
	PackageManager string `json:"packageManager"`
}

func detectNodePackageManager(workdir string) string {
	if data, err := os.ReadFile(filepath.Join(workdir, "package.json")); err == nil {
		var manifest npmManifest
		if json.Unmarshal(data, &manifest) == nil {
			if pm := parseNodePackageManager(manifest.PackageManager); pm != "" {
				return pm
			}
		}
	}
	switch {
	case fileExists(filepath.Join(workdir, "yarn.lock")):
		return "yarn"
	case fileExists(filepath.Join(workdir, "pnpm-lock.yaml")):
		return "pnpm"
	default:
		return "npm"
	}
}

func parseNodePackageManager(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn", "pnpm", "npm":
		return trimmed
	default:
		return ""
	}
}
