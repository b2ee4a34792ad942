package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-gateway/internal/events"
	"github.com/ramiqadoumi/go-task-gateway/internal/kafka"
	"github.com/ramiqadoumi/go-task-gateway/services/api-gateway/config"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect published task events",
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print task events as JSON lines until interrupted",
	RunE:  runTail,
}

func init() {
	tailCmd.Flags().String("event", "", "only print this event (task.completed | task.failed)")
	tailCmd.Flags().String("task-type", "", "only print events for this task type")
	tailCmd.Flags().String("group", "", "consumer group id (default: a fresh group per run)")
	tailCmd.Flags().Bool("from-beginning", false, "start a new group at the oldest retained event")
	eventsCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, serviceName)

	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return errors.New("kafka_brokers is required to tail events")
	}

	eventName, _ := cmd.Flags().GetString("event")
	switch events.Name(eventName) {
	case "", events.TaskCompleted, events.TaskFailed:
	default:
		return fmt.Errorf("unknown event %q", eventName)
	}
	taskType, _ := cmd.Flags().GetString("task-type")
	group, _ := cmd.Flags().GetString("group")
	if group == "" {
		group = "events-tail-" + uuid.New().String()[:8]
	}
	fromBeginning, _ := cmd.Flags().GetBool("from-beginning")

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       brokers,
		Topic:         cfg.EventsTopic,
		GroupID:       group,
		FromBeginning: fromBeginning,
	}, logger)
	defer func() { _ = consumer.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := events.Tail(ctx, consumer, cmd.OutOrStdout(), events.TailFilter{
		Event:    events.Name(eventName),
		TaskType: taskType,
	}, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
