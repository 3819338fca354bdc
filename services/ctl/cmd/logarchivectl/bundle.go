package main

import (
	"fmt"

	"github.com/spf13/cobra"

	gos3 "logarchive/pkg/s3"
	"logarchive/services/bundler"
)

func newBundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Agent release bundle operations",
		RunE:  helpOnly,
	}

	cmd.AddCommand(newBundleBuildCommand())
	cmd.AddCommand(newBundleVerifyCommand())
	cmd.AddCommand(newBundlePublishCommand())
	return cmd
}

func newBundleBuildCommand() *cobra.Command {
	var (
		agentDir string
		version  string
		platform string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed agent bundle from a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Build(cmd.Context(), bundler.BuildConfig{
				AgentDir:     agentDir,
				AgentVersion: version,
				Platform:     platform,
				Output:       output,
				Signer:       signer,
				Stdout:       cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&agentDir, "agent-dir", "", "Directory holding the logarchive-agent binary")
	cmd.Flags().StringVar(&version, "version", "", "Agent build version recorded in the manifest")
	cmd.Flags().StringVar(&platform, "platform", "", "GOOS/GOARCH of the agent binary (default: this host)")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("agent-dir")
	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newBundleVerifyCommand() *cobra.Command {
	var bundleFile string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a bundle's signature and contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			m, err := bundler.Verify(cmd.Context(), bundleFile, signer)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agent %s for %s, %d files, signed %s\n", m.AgentVersion, m.Platform, len(m.Artifacts), m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newBundlePublishCommand() *cobra.Command {
	var (
		bundleFile string
		key        string
		expect     string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Verify a bundle and upload it to the object store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			store, err := gos3.NewClientFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			defer store.Close()
			_, err = bundler.Publish(ctx, bundler.PublishConfig{
				BundlePath:    bundleFile,
				Key:           key,
				ExpectVersion: expect,
				Store:         store,
				Signer:        signer,
				Stdout:        cmd.OutOrStdout(),
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVar(&key, "key", "agent/logarchive-agent.tar.zst", "Object key the coordinator serves bootstrap bundles from")
	cmd.Flags().StringVar(&expect, "expect-version", "", "Refuse to publish unless the bundle carries this agent version")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
