package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hospigen/fhir-bridge/internal/config"
	"github.com/hospigen/fhir-bridge/internal/domain/envelope"
	"github.com/hospigen/fhir-bridge/internal/domain/routing"
	"github.com/hospigen/fhir-bridge/internal/platform/broker"
	"github.com/hospigen/fhir-bridge/internal/platform/fhir"
	"github.com/hospigen/fhir-bridge/internal/platform/notification"
)

// classifyResult is printed by the classify command.
type classifyResult struct {
	Status    string             `json:"status"`
	Reason    string             `json:"reason,omitempty"`
	Rule      string             `json:"rule,omitempty"`
	Category  routing.Category   `json:"category,omitempty"`
	Topic     string             `json:"topic,omitempty"`
	TopicPath string             `json:"topic_path,omitempty"`
	Rules     string             `json:"rules_version"`
	Envelope  *envelope.Envelope `json:"envelope,omitempty"`
}

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify a resource offline and print the envelope that would be published",
		Long: "Reads a FHIR resource from --file (or stdin with --file -), applies the routing\n" +
			"rules with the configured topic bindings and prints the decision. Nothing is fetched\n" +
			"or published.",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			action, _ := cmd.Flags().GetString("action")
			project, _ := cmd.Flags().GetString("project")

			data, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			res, err := fhir.ParseResource(data)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if project == "" {
				project = cfg.ProjectID
			}

			result := classify(res, notification.ParseAction(action), cfg, project)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringP("file", "f", "-", "Resource JSON file, - for stdin")
	cmd.Flags().StringP("action", "a", "update", "Change action (create, update, delete)")
	cmd.Flags().StringP("project", "p", "", "Project used to resolve short topic names")
	return cmd
}

func classify(res *fhir.Resource, action notification.Action, cfg *config.Config, project string) classifyResult {
	result := classifyResult{Rules: routing.TableVersion}
	if res.Type() == "" {
		result.Status, result.Reason = "skipped", "missing resourceType"
		return result
	}

	decision, ok := routing.NewClassifier(routing.DefaultTable(), cfg.Topics).Classify(res, action)
	if !ok {
		result.Status, result.Reason = "ignored", "no mapping"
		return result
	}

	result.Status = "ok"
	result.Rule = decision.Rule
	result.Category = decision.Category
	result.Topic = decision.Topic
	if project != "" {
		result.TopicPath = broker.TopicPath(decision.Topic, project)
	}
	result.Envelope = envelope.NewBuilder(cfg.SourceSystem, cfg.LogicID).Build(envelope.Input{
		Topic:    decision.Topic,
		Resource: res,
	})
	return result
}

func readInput(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return data, nil
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Print the category to topic bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if project == "" {
				project = cfg.ProjectID
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tKEY\tTOPIC\tPATH")
			for _, c := range routing.Categories() {
				topic := cfg.Topics[c]
				path := "-"
				if topic != "" && project != "" {
					path = broker.TopicPath(topic, project)
				}
				if topic == "" {
					topic = "(unbound)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c, config.TopicKey(c), topic, path)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return cfg.Topics.Validate()
		},
	}
	cmd.Flags().StringP("project", "p", "", "Project used to resolve short topic names")
	return cmd
}
