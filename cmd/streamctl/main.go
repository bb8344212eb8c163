// streamctl is an operator CLI for poking a running deployment through the
// Redis backbone and durable store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pulsemap/pulsemap/internal/ingest"
	"github.com/pulsemap/pulsemap/internal/model"
	"github.com/pulsemap/pulsemap/internal/store/redisstore"
)

var (
	redisFlag   string
	channelFlag string
	rootCmd     = &cobra.Command{
		Use:   "streamctl",
		Short: "Operator CLI for the stream service",
	}
)

func newRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: redisFlag})
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&redisFlag, "redis", "r", "localhost:6379", "Redis address")

	publishCmd := &cobra.Command{
		Use:   "publish-event",
		Short: "Publish a test event mutation on the ingest channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			title, _ := cmd.Flags().GetString("title")
			lng, _ := cmd.Flags().GetFloat64("lng")
			lat, _ := cmd.Flags().GetFloat64("lat")
			status, _ := cmd.Flags().GetString("status")
			categories, _ := cmd.Flags().GetStringSlice("category")
			action, _ := cmd.Flags().GetString("action")
			return runPublish(cmd.Context(), id, title, lng, lat, status, categories, action)
		},
	}
	publishCmd.Flags().StringVarP(&channelFlag, "channel", "c", "events:mutations", "Ingest channel")
	publishCmd.Flags().String("id", "", "Event id (required)")
	publishCmd.Flags().String("title", "", "Event title")
	publishCmd.Flags().Float64("lng", 0, "Longitude")
	publishCmd.Flags().Float64("lat", 0, "Latitude")
	publishCmd.Flags().String("status", model.StatusActive, "Event status")
	publishCmd.Flags().StringSlice("category", nil, "Category id (repeatable)")
	publishCmd.Flags().String("action", ingest.ActionCreate, "Mutation action: create, update or delete")
	_ = publishCmd.MarkFlagRequired("id")
	rootCmd.AddCommand(publishCmd)

	subsCmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "List all durably stored subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListSubscriptions(cmd.Context(), os.Stdout)
		},
	}
	rootCmd.AddCommand(subsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runPublish(ctx context.Context, id, title string, lng, lat float64, status string, categories []string, action string) error {
	now := time.Now().UTC()
	m := ingest.Mutation{Action: action, ID: id}
	if action != ingest.ActionDelete {
		m.Event = &model.Event{
			ID:         id,
			Title:      title,
			Location:   &model.Point{Lng: lng, Lat: lat},
			Status:     status,
			Categories: categories,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	rdb := newRedisClient()
	defer func() { _ = rdb.Close() }()
	if err := rdb.Publish(ctx, channelFlag, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	fmt.Printf("published %s %s on %s\n", action, id, channelFlag)
	return nil
}

func runListSubscriptions(ctx context.Context, out io.Writer) error {
	rdb := newRedisClient()
	defer func() { _ = rdb.Close() }()
	subs, err := redisstore.New(rdb).LoadAll(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(subs)
}
