package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/prebuildd/pkg/api/client"
)

var buildVersion = "dev"

const requestTimeout = 15 * time.Second

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
	case "team":
		err = commandTeam(args)
	case "project":
		err = commandProject(args)
	case "prebuild":
		err = commandPrebuild(args)
	case "token":
		err = commandToken(args)
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
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}

	secret := strings.TrimSpace(*password)
	if secret == "" {
		fmt.Print("Password: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(bytes)
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := client.Login(ctx, *email, secret)
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.AccessToken
	cfg.RefreshToken = resp.RefreshToken
	if resp.ExpiresIn > 0 {
		cfg.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("logged in as %s\n", resp.User.Email)
	return nil
}

// session returns an API client and a valid access token, refreshing the
// stored token pair when the access token has expired.
func session(ctx context.Context) (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, "", errors.New("please login first using 'pbctl login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	if cfg.expired(time.Now()) && cfg.RefreshToken != "" {
		resp, err := client.Refresh(ctx, cfg.RefreshToken)
		if err != nil {
			return nil, "", fmt.Errorf("session expired, please login again: %w", err)
		}
		cfg.AccessToken = resp.AccessToken
		cfg.RefreshToken = resp.RefreshToken
		cfg.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		if err := saveConfig(cfg); err != nil {
			return nil, "", err
		}
	}
	return client, cfg.AccessToken, nil
}

func commandTeam(args []string) error {
	if len(args) == 0 || args[0] != "list" {
		return errors.New("usage: pbctl team list")
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	client, token, err := session(ctx)
	if err != nil {
		return err
	}
	teams, err := client.ListTeams(ctx, token)
	if err != nil {
		return err
	}
	for _, t := range teams {
		fmt.Printf("%s\t%s\n", t.ID, t.Name)
	}
	return nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pbctl project [list|create]")
	}
	switch args[0] {
	case "list":
		return projectList(args[1:])
	case "create":
		return projectCreate(args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", args[0])
	}
}

func projectList(args []string) error {
	fs := flag.NewFlagSet("project list", flag.ExitOnError)
	teamID := fs.String("team", "", "Team identifier")
	fs.Parse(args)
	if strings.TrimSpace(*teamID) == "" {
		return errors.New("--team is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	client, token, err := session(ctx)
	if err != nil {
		return err
	}
	projects, err := client.ListProjects(ctx, token, *teamID)
	if err != nil {
		return err
	}
	for _, p := range projects {
		fmt.Printf("%s\t%s\t%s\n", p.ID, p.Name, p.CloneURL)
	}
	return nil
}

func projectCreate(args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	teamID := fs.String("team", "", "Team identifier")
	name := fs.String("name", "", "Project name")
	repo := fs.String("repo", "", "Repository clone URL")
	settingsFile := fs.String("settings", "", "Optional JSON file with project settings")
	fs.Parse(args)

	if strings.TrimSpace(*teamID) == "" {
		return errors.New("--team is required")
	}
	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if strings.TrimSpace(*repo) == "" {
		return errors.New("--repo is required")
	}
	input := apiclient.CreateProjectInput{TeamID: *teamID, Name: *name, CloneURL: *repo}
	if *settingsFile != "" {
		data, err := os.ReadFile(*settingsFile)
		if err != nil {
			return fmt.Errorf("read settings: %w", err)
		}
		input.Settings = data
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, token, err := session(ctx)
	if err != nil {
		return err
	}
	project, err := client.CreateProject(ctx, token, input)
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s)\n", project.ID, project.Name)
	return nil
}

func commandToken(args []string) error {
	if len(args) == 0 || args[0] != "create" {
		return errors.New("usage: pbctl token create --repo <clone-url>")
	}
	fs := flag.NewFlagSet("token create", flag.ExitOnError)
	repo := fs.String("repo", "", "Repository clone URL the token may trigger prebuilds for")
	fs.Parse(args[1:])
	if strings.TrimSpace(*repo) == "" {
		return errors.New("--repo is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	client, token, err := session(ctx)
	if err != nil {
		return err
	}
	created, err := client.CreateAccessToken(ctx, token, *repo)
	if err != nil {
		return err
	}
	fmt.Printf("token id: %s\nscopes: %s\n\n%s\n\nStore this value now; it cannot be shown again.\n", created.ID, strings.Join(created.Scopes, ", "), created.Token)
	return nil
}

func printUsage() {
	fmt.Printf("pbctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	pbctl login --email user@example.com [--password secret] [--api http://localhost:4000]
	pbctl team list
	pbctl project list --team <team-id>
	pbctl project create --team <team-id> --name <name> --repo <clone-url> [--settings file.json]
	pbctl prebuild trigger --project <project-id> [--branch name] [--revision sha] [--force]
	pbctl prebuild list --project <project-id> [--branch name] [--limit N]
	pbctl prebuild show --prebuild <prebuild-id>
	pbctl prebuild logs --prebuild <prebuild-id> [--follow]
	pbctl prebuild retrigger --prebuild <prebuild-id>
	pbctl prebuild cancel --prebuild <prebuild-id>
	pbctl prebuild abort-branch --project <project-id> --branch <name>
	pbctl token create --repo <clone-url>
	pbctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
