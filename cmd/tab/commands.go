package tab

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/conflict"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	writeCmd = &cobra.Command{
		Use:   "write <class> <id> <json>",
		Short: "Writes a document and prints its new revision",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			class, err := model.ParseDocumentClass(args[0])
			if err != nil {
				return err
			}
			rev, err := tab.Write(cmd.Context(), class, args[1], json.RawMessage(args[2]))
			if err != nil {
				return err
			}
			fmt.Println(rev)
			return nil
		},
	}

	readCmd = &cobra.Command{
		Use:   "read <id>",
		Short: "Prints a document with its conflicting revisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, found, err := tab.Read(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("<not found>")
				return nil
			}
			return util.PrintYAML(documentView(doc))
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Prints the sync status of the context (use --wait to let it sync first)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wait(cmd.Context(), viper.GetDuration("wait"))
			return util.PrintYAML(tab.Status())
		},
	}

	conflictsCmd = &cobra.Command{
		Use:   "conflicts",
		Short: "Prints the conflict audit log and the conflicts waiting for manual resolution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return util.PrintYAML(map[string][]conflict.Record{
				"resolved": tab.Conflicts(),
				"pending":  tab.PendingConflicts(),
			})
		},
	}

	resolveCmd = &cobra.Command{
		Use:   "resolve <id> <rev>",
		Short: "Settles a conflict by keeping one leaf revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rev, err := tab.ResolveManually(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(rev)
			return nil
		},
	}

	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Clears a sticky Disabled mode and probes the remote again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := tab.Recover(cmd.Context()); err != nil {
				return err
			}
			fmt.Println(tab.Mode())
			return nil
		},
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Prints external changes and conflicts until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tab.OnExternalChange(model.ClassUnknown, func(ev model.ChangeEvent) {
				fmt.Printf("%s change %s %s -> %s\n", ev.Origin, ev.Class, ev.DocumentID, ev.Revision)
			})
			tab.OnConflict(func(rec conflict.Record) {
				fmt.Printf("conflict %s on %s: %d leaves\n", rec.Rule, rec.DocumentID, len(rec.Leaves()))
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
)

type revisionView struct {
	model.Revision `yaml:",inline"`
	Body           string `yaml:"body"`
}

// documentView renders revision bodies as JSON text
func documentView(doc model.Document) any {
	view := struct {
		ID        string              `yaml:"id"`
		Class     model.DocumentClass `yaml:"class"`
		Revision  revisionView        `yaml:"revision"`
		Conflicts []revisionView      `yaml:"conflicts,omitempty"`
	}{
		ID:       doc.ID,
		Class:    doc.Class,
		Revision: revisionView{doc.Revision, string(doc.Revision.Body)},
	}
	for _, c := range doc.Conflicts {
		view.Conflicts = append(view.Conflicts, revisionView{c, string(c.Body)})
	}
	return view
}
