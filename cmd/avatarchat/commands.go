package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/normanking/avatarchat/internal/backend"
	"github.com/normanking/avatarchat/internal/conversation"
	"github.com/normanking/avatarchat/internal/poller"
	"github.com/normanking/avatarchat/internal/session"
	"github.com/spf13/cobra"
)

func newAskCmd() *cobra.Command {
	var (
		botID    int
		language string
		source   string
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a bot one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if botID == 0 {
				bots, err := client.ListChatbots(ctx)
				if err != nil {
					return err
				}
				for _, b := range bots {
					if b.Active {
						botID = b.ID
						if source == "" {
							source = b.Source
						}
						break
					}
				}
				if botID == 0 {
					return session.ErrNoActiveBot
				}
			}
			if source == "" {
				source = "faq"
			}

			resp, err := client.Ask(ctx, backend.AskRequest{
				Question:  strings.Join(args, " "),
				ChatbotID: botID,
				Source:    source,
				Language:  language,
			})
			if err != nil {
				return err
			}
			switch {
			case resp.PromptRag:
				fmt.Println("No FAQ answer. Retry with --source faq+raga to search the documents.")
			case resp.Answer != "":
				fmt.Println(resp.Answer)
			default:
				fmt.Println(conversation.NoAnswerText)
			}
			if resp.FaqID != 0 {
				fmt.Printf("faq %d video=%t status=%s\n", resp.FaqID, resp.VideoEnabled, resp.VideoStatus)
			}
			for _, doc := range resp.Documents {
				fmt.Printf("source: %s\n", client.ResolveURL(doc))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&botID, "bot", "b", 0, "chatbot id (default: the active bot)")
	cmd.Flags().StringVarP(&language, "language", "L", "pt", "question language")
	cmd.Flags().StringVar(&source, "source", "", "answer source (default: the bot's)")
	return cmd
}

func newBotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bots",
		Short: "List and activate chatbots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List chatbots",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			bots, err := client.ListChatbots(cmd.Context())
			if err != nil {
				return err
			}
			if len(bots) == 0 {
				fmt.Println("No chatbots.")
				return nil
			}
			for _, b := range bots {
				marker := " "
				if b.Active {
					marker = "*"
				}
				fmt.Printf("%s %4d  %-24s source=%s video=%t\n", marker, b.ID, b.Name, b.Source, b.VideoEnabled)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "activate [id]",
		Short: "Make a chatbot the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid chatbot id %q", args[0])
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			if err := client.SetActive(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Chatbot %d is now active.\n", id)
			return nil
		},
	})
	return cmd
}

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and control the background video job",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current video job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			job, err := client.JobStatus(ctx)
			if err != nil {
				return err
			}
			if job == nil || job.Status == "" || job.Status == "idle" {
				fmt.Println("No video job.")
				return nil
			}
			fmt.Printf("%s  %d%%  %s\n", job.Status, poller.ClampProgress(job.Progress), poller.JobLabel(ctx, client, job))
			if job.Error != "" {
				fmt.Printf("error: %s\n", job.Error)
			}
			return nil
		},
	})

	var deleteChatbot bool
	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the current video job",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			res, err := client.CancelJob(cmd.Context(), deleteChatbot)
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("cancel refused: %s", res.Error)
			}
			fmt.Printf("Cancelled %s job.\n", res.Kind)
			return nil
		},
	}
	cancelCmd.Flags().BoolVar(&deleteChatbot, "delete-chatbot", false, "also delete the chatbot whose videos were being generated")
	cmd.AddCommand(cancelCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "queue [faq-id]",
		Short: "Queue video generation for a FAQ",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			faqID, err := strconv.Atoi(args[0])
			if err != nil || faqID <= 0 {
				return fmt.Errorf("invalid faq id %q", args[0])
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			err = client.QueueFAQVideo(cmd.Context(), faqID)
			if errors.Is(err, backend.ErrBusy) {
				return errors.New(poller.BusyMessage)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Video for FAQ %d queued.\n", faqID)
			return nil
		},
	})
	return cmd
}
