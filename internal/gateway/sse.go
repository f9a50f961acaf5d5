package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/psychophant/arena/internal/events"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// handleConversationStream streams a conversation's orchestration events
// over SSE until the client disconnects.
func handleConversationStream(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		conv, ok := loadOwnedConversation(c, opts)
		if !ok {
			return
		}
		streamTopic(c, opts, events.ConversationTopic(conv.ID))
	}
}

// handleCreditStream streams the user's credit updates over SSE.
func handleCreditStream(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := userID(c)
		if !ok {
			return
		}
		streamTopic(c, opts, events.UserCreditsTopic(user))
	}
}

// streamTopic bridges one broadcaster topic onto the response as SSE.
// Events arrive in publication order; a client that falls behind the
// subscriber buffer misses events rather than stalling publishers.
func streamTopic(c *gin.Context, opts *StartOpts, topic string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c.Writer, "connected", map[string]string{"topic": topic})
	c.Writer.Flush()

	ctx := c.Request.Context()
	ch, _ := opts.Broadcaster.Subscribe(ctx, topic)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			writeSSE(c.Writer, evt.Type, evt)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
