package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/auth"
	"github.com/MarcoPoloResearchLab/convosync/internal/config"
	"github.com/MarcoPoloResearchLab/convosync/internal/conversation"
	"github.com/MarcoPoloResearchLab/convosync/internal/logging"
	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"github.com/MarcoPoloResearchLab/convosync/internal/metrics"
	"github.com/MarcoPoloResearchLab/convosync/internal/pushchannel"
	"github.com/MarcoPoloResearchLab/convosync/internal/restclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type watchOptions struct {
	conversation string
	peer         string
}

func newWatchCommand() *cobra.Command {
	var options watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a conversation and send messages from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), options)
		},
	}

	defaults := config.NewViper()
	cmd.Flags().StringVar(&options.conversation, "conversation", "", "Conversation id to follow")
	cmd.Flags().StringVar(&options.peer, "peer", "", "Open (or reuse) the conversation with this user instead of --conversation")
	cmd.Flags().String("base-url", defaults.GetString("client.base_url"), "REST base URL")
	cmd.Flags().String("push-url", defaults.GetString("client.push_url"), "Push websocket URL")
	cmd.Flags().String("token", "", "Bearer token (overrides env)")

	bindFlag(cmd, "client.base_url", "base-url")
	bindFlag(cmd, "client.push_url", "push-url")
	bindFlag(cmd, "client.token", "token")
	return cmd
}

func runWatch(ctx context.Context, in io.Reader, out io.Writer, options watchOptions) error {
	appConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	userID, err := auth.SubjectFromToken(appConfig.Client.Token)
	if err != nil {
		return err
	}

	api, err := restclient.NewClient(restclient.Config{
		BaseURL: appConfig.Client.BaseURL,
		Token:   appConfig.Client.Token,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conversationID, err := resolveConversation(signalCtx, api, options)
	if err != nil {
		return err
	}

	syncMetrics := metrics.NewSyncMetrics(nil)
	controller, err := conversation.NewController(conversation.Config{
		UserID: userID,
		Token:  appConfig.Client.Token,
		API:    api,
		Channels: conversation.NewChannelFactory(pushchannel.Config{
			URL: appConfig.Client.PushURL,
			Backoff: pushchannel.BackoffPolicy{
				Initial:    appConfig.Sync.BackoffInitial,
				Multiplier: 2,
				Max:        appConfig.Sync.BackoffMax,
			},
			HandshakeTimeout: appConfig.Sync.HandshakeTimeout,
			Logger:           logger,
			Metrics:          syncMetrics,
		}),
		EchoWindow: appConfig.Sync.EchoWindow,
		PageSize:   appConfig.Sync.PageSize,
		Logger:     logger,
		Metrics:    syncMetrics,
	})
	if err != nil {
		return err
	}

	if err := controller.Activate(signalCtx, conversationID); err != nil {
		return err
	}
	defer controller.Deactivate()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-signalCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-signalCtx.Done():
			return nil
		case view := <-controller.Updates():
			renderView(out, view, userID, time.Now())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseCommand(line)
			if errors.Is(err, errBlankLine) {
				continue
			}
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			if cmd.kind == commandQuit {
				return nil
			}
			if err := executeCommand(signalCtx, controller, cmd, out); err != nil {
				logger.Debug("console command failed", zap.Error(err))
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

func resolveConversation(ctx context.Context, api *restclient.Client, options watchOptions) (messages.ConversationID, error) {
	if options.peer != "" {
		peerID, err := messages.NewUserID(options.peer)
		if err != nil {
			return "", err
		}
		created, err := api.CreateConversation(ctx, peerID)
		if err != nil {
			return "", err
		}
		return created.ID, nil
	}
	return messages.NewConversationID(options.conversation)
}
