// Command requests sends sample customer messages to the API and prints
// where each was routed.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/refset/aegis/internal/logging"
	"github.com/refset/aegis/internal/orchestrator"
	"github.com/refset/aegis/internal/rest"
)

var sampleRequests = []orchestrator.Request{
	{CustomerID: "demo_new_customer", Text: "Hi! Help me get started with your API"},
	{CustomerID: "demo_new_customer", Text: "Can I also get a sandbox to play with?"},
	{CustomerID: "demo_trial_customer", Text: "I'm getting a 401 error when calling the API"},
	{CustomerID: "demo_trial_customer", Text: "How do I paginate through results?"},
	{CustomerID: "demo_active_customer", Text: "I need production keys, we're ready to go live"},
	{CustomerID: "demo_active_customer", Text: "Great experience, thank you for the quick help!"},
	{CustomerID: "demo_at_risk_customer", Text: "The recent update is terrible, I'm frustrated with the performance"},
	{CustomerID: "demo_at_risk_customer", Text: "I'm thinking about cancelling, this is too expensive"},
	{CustomerID: "demo_at_risk_customer", Text: "Question about my invoice"},
}

func main() {
	logger, err := logging.New("info")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	baseURL := os.Getenv("AEGIS_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8001"
	}

	count := len(sampleRequests)
	if len(os.Args) > 1 {
		fmt.Sscanf(os.Args[1], "%d", &count)
	}

	client := rest.NewClient(baseURL, "", "", 2)
	ctx := context.Background()

	logger.Info("Sending sample requests", zap.String("api", baseURL), zap.Int("count", count))
	for i := 0; i < count; i++ {
		req := sampleRequests[i%len(sampleRequests)]
		if i >= len(sampleRequests) {
			req = sampleRequests[rand.Intn(len(sampleRequests))]
		}
		req.ConversationID = "demo-" + req.CustomerID

		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		var resp orchestrator.Response
		err := client.Do(reqCtx, http.MethodPost, "/requests", req, &resp)
		cancel()
		if err != nil {
			logger.Warn("Request failed", zap.String("customer_id", req.CustomerID), zap.Error(err))
			continue
		}

		logger.Info("Routed",
			zap.String("customer_id", req.CustomerID),
			zap.String("text", req.Text),
			zap.String("handler", resp.Metadata["handler"]),
			zap.String("reason", resp.Metadata["routing_reason"]),
			zap.Int("actions", len(resp.ActionsTaken)))
		fmt.Printf("\n> %s\n%s\n", req.Text, resp.Text)
	}
	logger.Info("Done")
}
