package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"plume-collab/internal/collab"
	"plume-collab/internal/content"
	"plume-collab/internal/crdt"

	"github.com/spf13/cobra"
)

var (
	watchProject string
	watchAppend  string
)

func init() {
	watchCmd.Flags().StringVar(&watchProject, "project", "", "project the scene belongs to")
	watchCmd.Flags().StringVar(&watchAppend, "append", "", "text to type at the end of the scene after joining")
	_ = watchCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <scene-id>",
	Short: "Join a scene and report edits and collaborators until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newAgent()
		if err != nil {
			return err
		}
		defer a.close()

		project, err := a.scenes.GetProject(ctx, watchProject)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		e, err := a.workspace.OpenScene(ctx, collab.OpenOptions{
			ProjectID: project.ID,
			SceneID:   args[0],
			Identity: collab.Identity{
				UserID:         userID,
				DisplayName:    displayName,
				ProjectOwnerID: project.OwnerID,
			},
			OnStatus: func(s collab.Status) {
				fmt.Fprintf(out, "status: %s\n", s)
			},
			OnPresence: func(peers []collab.Peer) {
				names := make([]string, len(peers))
				for i, p := range peers {
					names[i] = p.Name
				}
				fmt.Fprintf(out, "collaborators: %s\n", strings.Join(names, ", "))
			},
		})
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.Close(closeCtx); err != nil {
				a.logger.Warn().Err(err).Msg("failed to close scene")
			}
		}()

		off := e.Doc().OnChange(func(ev crdt.ChangeEvent) {
			fmt.Fprintf(out, "edit (%s): %d words\n", ev.Origin, content.CountWords(e.HTML()))
		})
		defer off()

		select {
		case <-e.SeedDone():
		case <-ctx.Done():
			return nil
		}
		fmt.Fprintf(out, "joined %s: %d words\n", args[0], content.CountWords(e.HTML()))

		if watchAppend != "" {
			e.MoveCursor(e.Doc().Len())
			if err := e.Type(watchAppend); err != nil {
				return err
			}
		}

		<-ctx.Done()
		return nil
	},
}
