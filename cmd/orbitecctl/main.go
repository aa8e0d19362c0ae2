package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/PragyanCoder/orbitec/pkg/api/client"
)

type cliConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
	OwnerID string `json:"owner_id"`
}

var buildVersion = "dev"

const defaultBaseURL = "http://localhost:3000"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "app":
		err = commandApp(args)
	case "deploy":
		err = commandDeploy(args)
	case "follow":
		err = commandFollow(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	base := fs.String("api", "", "Server base URL (default "+defaultBaseURL+")")
	owner := fs.String("owner", "", "Default owner id for app commands")
	token := fs.String("token", "", "API token (supply to avoid prompt)")
	noToken := fs.Bool("no-token", false, "Server runs without an API token")
	fs.Parse(args)

	cfg, _ := loadConfig()
	if strings.TrimSpace(*base) != "" {
		cfg.BaseURL = strings.TrimSpace(*base)
	}
	if strings.TrimSpace(*owner) != "" {
		cfg.OwnerID = strings.TrimSpace(*owner)
	}
	secret := strings.TrimSpace(*token)
	if secret == "" && !*noToken {
		fmt.Print("API token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	cfg.Token = secret

	client, err := apiclient.New(cfg.BaseURL)
	if err != nil {
		return err
	}
	if cfg.OwnerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := client.ListApplications(ctx, cfg.Token, cfg.OwnerID); err != nil {
			return fmt.Errorf("verify credentials: %w", err)
		}
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("configuration saved")
	return nil
}

func commandApp(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: orbitecctl app [list|create|get|update|delete|start|stop|restart|suspend|unsuspend]")
	}
	sub := args[0]
	switch sub {
	case "list":
		return appList(args[1:])
	case "create":
		return appCreate(args[1:])
	case "get":
		return appGet(args[1:])
	case "update":
		return appUpdate(args[1:])
	case "delete":
		return appDelete(args[1:])
	case apiclient.ActionStart, apiclient.ActionStop, apiclient.ActionRestart, apiclient.ActionSuspend, apiclient.ActionUnsuspend:
		return appAct(sub, args[1:])
	default:
		return fmt.Errorf("unknown app command: %s", sub)
	}
}

func session() (cliConfig, *apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cliConfig{}, nil, err
	}
	client, err := apiclient.New(cfg.BaseURL)
	if err != nil {
		return cliConfig{}, nil, err
	}
	return cfg, client, nil
}

func appList(args []string) error {
	fs := flag.NewFlagSet("app list", flag.ExitOnError)
	owner := fs.String("owner", "", "Owner identifier (defaults to the saved owner)")
	fs.Parse(args)

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ownerID := firstNonEmpty(*owner, cfg.OwnerID)
	if ownerID == "" {
		return errors.New("--owner is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	apps, err := client.ListApplications(ctx, cfg.Token, ownerID)
	if err != nil {
		return err
	}
	for _, app := range apps {
		fmt.Printf("%s\t%s\t%s\t%s\n", app.ID, app.Name, app.Status, app.URL)
	}
	return nil
}

// envFlag collects repeated KEY=VALUE flags.
type envFlag map[string]string

func (e envFlag) String() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (e envFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", value)
	}
	e[strings.TrimSpace(key)] = val
	return nil
}

func appCreate(args []string) error {
	fs := flag.NewFlagSet("app create", flag.ExitOnError)
	owner := fs.String("owner", "", "Owner identifier (defaults to the saved owner)")
	name := fs.String("name", "", "Application name")
	repo := fs.String("repo", "", "Repository URL")
	branch := fs.String("branch", "", "Branch to deploy (default main)")
	follow := fs.Bool("follow", false, "Stream the deployment log until it finishes")
	env := envFlag{}
	fs.Var(env, "env", "Environment variable KEY=VALUE (repeatable)")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if strings.TrimSpace(*repo) == "" {
		return errors.New("--repo is required")
	}
	cfg, client, err := session()
	if err != nil {
		return err
	}
	ownerID := firstNonEmpty(*owner, cfg.OwnerID)
	if ownerID == "" {
		return errors.New("--owner is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	created, err := client.CreateApplication(ctx, cfg.Token, apiclient.CreateApplicationInput{
		OwnerID: ownerID,
		Name:    *name,
		RepoURL: *repo,
		Branch:  *branch,
		EnvVars: env,
	})
	cancel()
	if err != nil {
		return err
	}
	fmt.Printf("application created: %s deployment=%s url=%s\n", created.ID, created.DeploymentID, created.URL)
	if !*follow {
		return nil
	}
	return followDeployment(client, cfg.Token, created.ID, created.DeploymentID)
}

func appGet(args []string) error {
	fs := flag.NewFlagSet("app get", flag.ExitOnError)
	appID := fs.String("app", "", "Application identifier")
	fs.Parse(args)
	if strings.TrimSpace(*appID) == "" {
		return errors.New("--app is required")
	}

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	app, err := client.GetApplication(ctx, cfg.Token, *appID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(app, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func appUpdate(args []string) error {
	fs := flag.NewFlagSet("app update", flag.ExitOnError)
	appID := fs.String("app", "", "Application identifier")
	name := fs.String("name", "", "New application name")
	repo := fs.String("repo", "", "New repository URL")
	branch := fs.String("branch", "", "New branch")
	clearEnv := fs.Bool("clear-env", false, "Replace the environment with only the --env values given")
	env := envFlag{}
	fs.Var(env, "env", "Environment variable KEY=VALUE (repeatable, replaces the whole set)")
	fs.Parse(args)
	if strings.TrimSpace(*appID) == "" {
		return errors.New("--app is required")
	}

	input := apiclient.UpdateApplicationInput{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			input.Name = name
		case "repo":
			input.RepoURL = repo
		case "branch":
			input.Branch = branch
		}
	})
	if len(env) > 0 || *clearEnv {
		input.EnvVars = env
	}

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	app, err := client.UpdateApplication(ctx, cfg.Token, *appID, input)
	if err != nil {
		return err
	}
	fmt.Printf("%s updated: branch=%s env=%s (applies to the next deployment)\n", app.ID, app.Branch, strings.Join(app.EnvKeys, ","))
	return nil
}

func appDelete(args []string) error {
	fs := flag.NewFlagSet("app delete", flag.ExitOnError)
	appID := fs.String("app", "", "Application identifier")
	fs.Parse(args)
	if strings.TrimSpace(*appID) == "" {
		return errors.New("--app is required")
	}

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := client.DeleteApplication(ctx, cfg.Token, *appID); err != nil {
		return err
	}
	fmt.Println("application deleted")
	return nil
}

func appAct(action string, args []string) error {
	fs := flag.NewFlagSet("app "+action, flag.ExitOnError)
	appID := fs.String("app", "", "Application identifier")
	fs.Parse(args)
	if strings.TrimSpace(*appID) == "" {
		return errors.New("--app is required")
	}

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	app, err := client.Act(ctx, cfg.Token, *appID, action)
	if err != nil {
		return err
	}
	fmt.Printf("%s: status=%s suspended=%t\n", app.ID, app.Status, app.Suspended)
	return nil
}

func commandDeploy(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: orbitecctl deploy [list|logs|retry]")
	}
	sub := args[0]
	switch sub {
	case "list":
		return deployList(args[1:])
	case "logs":
		return deployLogs(args[1:])
	case "retry":
		return deployRetry(args[1:])
	default:
		return fmt.Errorf("unknown deploy command: %s", sub)
	}
}

func deployList(args []string) error {
	fs := flag.NewFlagSet("deploy list", flag.ExitOnError)
	appID := fs.String("app", "", "Application identifier")
	limit := fs.Int("limit", 10, "Maximum number of deployments")
	fs.Parse(args)
	if strings.TrimSpace(*appID) == "" {
		return errors.New("--app is required")
	}

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	deployments, err := client.ListDeployments(ctx, cfg.Token, *appID, *limit)
	if err != nil {
		return err
	}
	for _, dep := range deployments {
		fmt.Printf("%s\t%s\t%s\t%s\n", dep.ID, dep.Status, dep.CreatedAt.Format(time.RFC3339), dep.Error)
	}
	return nil
}

func deployLogs(args []string) error {
	fs := flag.NewFlagSet("deploy logs", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	log, err := client.FetchLogs(ctx, cfg.Token, *deploymentID)
	if err != nil {
		return err
	}
	for _, line := range log.Lines {
		fmt.Println(line)
	}
	return nil
}

func deployRetry(args []string) error {
	fs := flag.NewFlagSet("deploy retry", flag.ExitOnError)
	deploymentID := fs.String("deployment", "", "Failed deployment identifier")
	fs.Parse(args)
	if strings.TrimSpace(*deploymentID) == "" {
		return errors.New("--deployment is required")
	}

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id, err := client.RetryDeployment(ctx, cfg.Token, *deploymentID)
	if err != nil {
		return err
	}
	fmt.Printf("deployment started: %s\n", id)
	return nil
}

func commandFollow(args []string) error {
	fs := flag.NewFlagSet("follow", flag.ExitOnError)
	appID := fs.String("app", "", "Application identifier")
	deploymentID := fs.String("deployment", "", "Replay this deployment's log first")
	fs.Parse(args)
	if strings.TrimSpace(*appID) == "" {
		return errors.New("--app is required")
	}
	cfg, client, err := session()
	if err != nil {
		return err
	}
	return followDeployment(client, cfg.Token, *appID, *deploymentID)
}

// followDeployment prints channel events until the deployment finishes or
// the user interrupts. Without a deployment id it follows indefinitely.
func followDeployment(client *apiclient.Client, token, appID, deploymentID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var outcome apiclient.Event
	err := client.Follow(ctx, token, appID, deploymentID, func(ev apiclient.Event) error {
		switch ev.Type {
		case "log_appended":
			fmt.Println(ev.Line)
		case "status_changed":
			fmt.Printf("-- status: %s\n", ev.Status)
		case "deployment_finished":
			if deploymentID != "" && ev.DeploymentID == deploymentID {
				outcome = ev
				return apiclient.ErrStop
			}
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	if outcome.Type == "" {
		return nil
	}
	if outcome.Status != "success" {
		return fmt.Errorf("deployment failed: %s", outcome.Error)
	}
	fmt.Printf("deployment succeeded: %s\n", outcome.URL)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{BaseURL: defaultBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "orbitec", "config.json"), nil
}

func printUsage() {
	fmt.Printf("orbitecctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	orbitecctl login [--api http://localhost:3000] [--owner <owner-id>] [--token secret | --no-token]
	orbitecctl app list [--owner <owner-id>]
	orbitecctl app create --name <name> --repo <url> [--branch main] [--env KEY=VALUE ...] [--follow]
	orbitecctl app get|delete --app <app-id>
	orbitecctl app update --app <app-id> [--name <name>] [--repo <url>] [--branch <branch>] [--env KEY=VALUE ... | --clear-env]
	orbitecctl app start|stop|restart|suspend|unsuspend --app <app-id>
	orbitecctl deploy list --app <app-id> [--limit N]
	orbitecctl deploy logs --deployment <deployment-id>
	orbitecctl deploy retry --deployment <deployment-id>
	orbitecctl follow --app <app-id> [--deployment <deployment-id>]
	orbitecctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
