package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	apiclient "github.com/splax/prebuildd/pkg/api/client"
)

const logPollInterval = 2 * time.Second

func commandPrebuild(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pbctl prebuild [trigger|list|show|logs|retrigger|cancel|abort-branch]")
	}
	switch args[0] {
	case "trigger":
		return prebuildTrigger(args[1:])
	case "list":
		return prebuildList(args[1:])
	case "show":
		return prebuildShow(args[1:])
	case "logs":
		return prebuildLogs(args[1:])
	case "retrigger":
		return prebuildRetrigger(args[1:])
	case "cancel":
		return prebuildCancel(args[1:])
	case "abort-branch":
		return prebuildAbortBranch(args[1:])
	default:
		return fmt.Errorf("unknown prebuild command: %s", args[0])
	}
}

func prebuildTrigger(args []string) error {
	fs := flag.NewFlagSet("prebuild trigger", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	branch := fs.String("branch", "", "Branch (default: repository default branch)")
	revision := fs.String("revision", "", "Commit SHA (default: branch head)")
	force := fs.Bool("force", false, "Skip incremental reuse and prebuild from scratch")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	client, token, err := session(ctx)
	if err != nil {
		return err
	}
	res, err := client.TriggerPrebuild(ctx, token, *projectID, apiclient.TriggerInput{
		Branch:   *branch,
		Revision: *revision,
		Force:    *force,
	})
	if err != nil {
		return err
	}
	if res.Done {
		fmt.Printf("prebuild already available: %s\n", res.PrebuildID)
		return nil
	}
	fmt.Printf("prebuild started: %s workspace=%s\n", res.PrebuildID, res.WorkspaceID)
	return nil
}

func prebuildList(args []string) error {
	fs := flag.NewFlagSet("prebuild list", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	branch := fs.String("branch", "", "Only list prebuilds of this branch")
	limit := fs.Int("limit", 20, "Maximum number of prebuilds")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	client, token, err := session(ctx)
	if err != nil {
		return err
	}
	prebuilds, err := client.ListPrebuilds(ctx, token, *projectID, *branch, *limit)
	if err != nil {
		return err
	}
	for _, pb := range prebuilds {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", pb.ID, pb.State, pb.Branch, shortSHA(pb.Commit), pb.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func prebuildShow(args []string) error {
	id, err := prebuildIDFlag("prebuild show", args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	client, token, err := session(ctx)
	if err != nil {
		return err
	}
	pb, err := client.GetPrebuild(ctx, token, id)
	if err != nil {
		return err
	}
	fmt.Printf("id:        %s\nstate:     %s\nproject:   %s\nbranch:    %s\ncommit:    %s\nworkspace: %s\n", pb.ID, pb.State, pb.ProjectID, pb.Branch, pb.Commit, pb.WorkspaceID)
	if pb.Error != "" {
		fmt.Printf("error:     %s\n", pb.Error)
	}
	if pb.Info != nil {
		fmt.Printf("title:     %s\nauthor:    %s\nstarted:   %s by %s\n", pb.Info.ChangeTitle, pb.Info.ChangeAuthor, pb.Info.StartedAt.Format(time.RFC3339), pb.Info.StartedBy)
	}
	return nil
}

func prebuildLogs(args []string) error {
	fs := flag.NewFlagSet("prebuild logs", flag.ExitOnError)
	id := fs.String("prebuild", "", "Prebuild identifier")
	follow := fs.Bool("follow", false, "Keep printing output until the prebuild finishes")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return errors.New("--prebuild is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	client, token, err := session(ctx)
	if err != nil {
		return err
	}
	var after int64
	for {
		lines, err := client.PrebuildLogs(ctx, token, *id, after, 0)
		if err != nil {
			return err
		}
		for _, l := range lines {
			prefix := l.Task
			if prefix == "" {
				prefix = "-"
			}
			fmt.Printf("[%s] %s\n", prefix, l.Line)
			after = l.ID
		}
		if !*follow {
			return nil
		}
		pb, err := client.GetPrebuild(ctx, token, *id)
		if err != nil {
			return err
		}
		if terminal(pb.State) && len(lines) == 0 {
			fmt.Printf("prebuild %s: %s\n", pb.ID, pb.State)
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(logPollInterval):
		}
	}
}

func prebuildRetrigger(args []string) error {
	id, err := prebuildIDFlag("prebuild retrigger", args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	client, token, err := session(ctx)
	if err != nil {
		return err
	}
	res, err := client.RetriggerPrebuild(ctx, token, id)
	if err != nil {
		return err
	}
	fmt.Printf("prebuild restarted: %s workspace=%s\n", res.PrebuildID, res.WorkspaceID)
	return nil
}

func prebuildCancel(args []string) error {
	id, err := prebuildIDFlag("prebuild cancel", args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	client, token, err := session(ctx)
	if err != nil {
		return err
	}
	pb, err := client.CancelPrebuild(ctx, token, id)
	if err != nil {
		return err
	}
	fmt.Printf("prebuild %s: %s\n", pb.ID, pb.State)
	return nil
}

func prebuildAbortBranch(args []string) error {
	fs := flag.NewFlagSet("prebuild abort-branch", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	branch := fs.String("branch", "", "Branch whose running prebuilds are aborted")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" || strings.TrimSpace(*branch) == "" {
		return errors.New("--project and --branch are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	client, token, err := session(ctx)
	if err != nil {
		return err
	}
	if err := client.AbortBranch(ctx, token, *projectID, *branch); err != nil {
		return err
	}
	fmt.Printf("running prebuilds of %s aborted\n", *branch)
	return nil
}

func prebuildIDFlag(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	id := fs.String("prebuild", "", "Prebuild identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return "", errors.New("--prebuild is required")
	}
	return *id, nil
}

func terminal(state string) bool {
	switch state {
	case "available", "failed", "timeout", "aborted":
		return true
	}
	return false
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
