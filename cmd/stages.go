package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"storyline/pipeline"

	"github.com/urfave/cli/v2"
)

// printReports writes each report as a single JSON line on stdout
func printReports(reports ...pipeline.Report) {
	for _, report := range reports {
		if line, err := json.Marshal(report); err == nil {
			fmt.Println(string(line))
		}
	}
}

// stageCmd builds a command running a single stage once
func stageCmd(name, usage, description string, stage func(s *pipeline.Service) func(context.Context) (pipeline.Report, error)) *cli.Command {
	return &cli.Command{
		Name:        name,
		Usage:       usage,
		Description: description,
		Action: func(ctx *cli.Context) error {
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := stage(a.service)(ctx.Context)
			if err != nil {
				return err
			}
			printReports(report)
			return nil
		},
	}
}

func summarizeCmd() *cli.Command {
	return stageCmd("summarize", "Summarize posts that have no summary yet",
		`Asks the text generation service for a short summary, an official response
		flag and the responding institution of every unsummarized post. Posts whose
		reply cannot be parsed are left for the next run.`,
		func(s *pipeline.Service) func(context.Context) (pipeline.Report, error) { return s.Summarize })
}

func embedCmd() *cli.Command {
	return stageCmd("embed", "Embed summaries that have no embedding yet",
		`Computes the embedding of every summarized post that does not have one.`,
		func(s *pipeline.Service) func(context.Context) (pipeline.Report, error) { return s.Embed })
}

func archiveCmd() *cli.Command {
	return stageCmd("archive", "Archive events without recent posts",
		`Archives every event whose latest post is older than the archive horizon.
		Archived posts get a label outside the live range and never take part in
		clustering again.`,
		func(s *pipeline.Service) func(context.Context) (pipeline.Report, error) { return s.Archive })
}

func tidyCmd() *cli.Command {
	return stageCmd("tidy", "Delete old posts that never joined an event",
		`Deletes posts labeled as noise that are older than the retention horizon.
		Posts with any cluster assignment are never deleted.`,
		func(s *pipeline.Service) func(context.Context) (pipeline.Report, error) { return s.Tidy })
}

func clusterCmd() *cli.Command {
	return &cli.Command{
		Name:  "cluster",
		Usage: "Cluster embedded posts and name the clusters",
		Description: `Runs density clustering over every embedded active post and writes the
		labels back. Titles need the fitted model, so they are generated in the
		same run unless --titles=false is given.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "titles",
				Value: true,
				Usage: "Generate titles for the clusters after fitting",
			},
		},
		Action: func(ctx *cli.Context) error {
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			clustering, report, err := a.service.Cluster(ctx.Context)
			if err != nil {
				return err
			}
			printReports(report)

			if !ctx.Bool("titles") || clustering == nil {
				return nil
			}
			report, err = a.service.Title(ctx.Context, clustering)
			if err != nil {
				return err
			}
			printReports(report)
			return nil
		},
	}
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run every stage once",
		Description: `Runs summarize, embed, cluster, titles, archive and tidy in order and
		stops at the first stage that fails.`,
		Action: func(ctx *cli.Context) error {
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			reports, err := a.service.RunAll(ctx.Context)
			printReports(reports...)
			return err
		},
	}
}
