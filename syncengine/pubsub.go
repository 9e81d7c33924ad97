package syncengine

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/audience_backend/config"
	"github.com/gin-gonic/gin"
)

func syncTopicName() string {
	topicName := strings.TrimSpace(os.Getenv("SYNC_RUN_TOPIC"))
	if topicName == "" {
		topicName = "audience-sync-run"
	}
	return topicName
}

// EnsureSyncTopology creates the run topic, and a pull subscription when
// SYNC_RUN_SUBSCRIPTION is set, so a fresh environment works without manual
// setup. Push environments configure the subscription in infra instead.
func EnsureSyncTopology(ctx context.Context) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, syncTopicName())
	if err != nil {
		return err
	}
	if sub := strings.TrimSpace(os.Getenv("SYNC_RUN_SUBSCRIPTION")); sub != "" {
		if _, err := config.CreateSubscriptionIfNotExists(client, sub, topic); err != nil {
			return err
		}
	}
	return nil
}

// PublishSyncRun dispatches a run to the worker. Continuations reuse the same
// topic; the worker picks the run up from its checkpoint either way.
func PublishSyncRun(ctx context.Context, runId uint, businessId string, continuation bool) error {
	payload := SyncPubSubPayload{
		RunId:        runId,
		BusinessId:   businessId,
		Continuation: continuation,
	}
	_, err := config.PublishJSON(ctx, syncTopicName(), payload)
	return err
}

// PubSubPushHandler receives Pub/Sub push deliveries. Malformed envelopes are
// acked (204) rather than retried forever; real processing failures are also
// acked because the run row, not redelivery, is the retry mechanism.
func PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_SYNC_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 || payload.BusinessId == "" {
			c.Status(204)
			return
		}

		if err := processSyncRun(c.Request.Context(), payload); err != nil {
			config.GetLogger().WithError(err).Error("sync run processing failed")
		}
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
