package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harborlight/brokerd/internal/capability"
	"github.com/harborlight/brokerd/internal/notify"
	"go.uber.org/zap"
)

// operatorDirectory is the built-in carrier pool used when no external
// operator search is configured. Quotes derived from it are deterministic so
// local runs are reproducible.
var operatorDirectory = []string{
	"meridian-freight",
	"bluepeak-logistics",
	"cascade-carriers",
	"ironline-transport",
	"harborview-shipping",
}

// RegisterBuiltinCapabilities installs the default stage capabilities. They
// run fully locally except delivery, which goes through the notify gateway
// when one is provided.
func RegisterBuiltinCapabilities(reg *capability.Registry, deliveries *notify.Gateway, logger *zap.Logger) {
	reg.MustRegister(capability.Definition{
		Name: CapAnalyzeRequest,
		Schema: map[string]any{
			"type":     "object",
			"required": []string{"intake"},
			"properties": map[string]any{
				"intake": map[string]any{"type": "object"},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			intake, _ := params["intake"].(map[string]any)
			str := func(key string) string {
				v, _ := intake[key].(string)
				return strings.TrimSpace(v)
			}
			analysis := map[string]any{
				"client_id":   str("client_id"),
				"origin":      str("origin"),
				"destination": str("destination"),
				"commodity":   str("commodity"),
				"pickup_date": str("pickup_date"),
			}
			if analysis["commodity"] == "" {
				analysis["commodity"] = "general freight"
			}
			var missing []string
			for _, field := range []string{"client_id", "origin", "destination"} {
				if analysis[field] == "" {
					missing = append(missing, field)
				}
			}
			analysis["missing_fields"] = missing
			return analysis, nil
		},
	})

	reg.MustRegister(capability.Definition{
		Name: CapFetchClientData,
		Schema: map[string]any{
			"type":     "object",
			"required": []string{"client_id"},
			"properties": map[string]any{
				"client_id": map[string]any{"type": "string", "minLength": 1},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			id, _ := params["client_id"].(string)
			return map[string]any{
				"client_id": id,
				"name":      titleCase(strings.ReplaceAll(id, "-", " ")),
				"contact":   id + "@clients.harborlight.dev",
				"channel":   "quotes-" + id,
			}, nil
		},
	})

	reg.MustRegister(capability.Definition{
		Name: CapSearch,
		Schema: map[string]any{
			"type":     "object",
			"required": []string{"origin", "destination"},
			"properties": map[string]any{
				"origin":      map[string]any{"type": "string", "minLength": 1},
				"destination": map[string]any{"type": "string", "minLength": 1},
				"commodity":   map[string]any{"type": "string"},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			origin, _ := params["origin"].(string)
			destination, _ := params["destination"].(string)
			lane := laneHash(origin + "|" + destination)
			// Rotate through the directory so different lanes see
			// different operator subsets.
			count := 2 + int(lane%uint64(len(operatorDirectory)-1))
			start := int(lane % uint64(len(operatorDirectory)))
			operators := make([]string, 0, count)
			for i := 0; i < count; i++ {
				operators = append(operators, operatorDirectory[(start+i)%len(operatorDirectory)])
			}
			return map[string]any{"operators": operators}, nil
		},
	})

	reg.MustRegister(capability.Definition{
		Name: CapCollectQuotes,
		Schema: map[string]any{
			"type":     "object",
			"required": []string{"request_id", "operators"},
			"properties": map[string]any{
				"request_id": map[string]any{"type": "string"},
				"operators": map[string]any{
					"type":     "array",
					"minItems": 1,
					"items":    map[string]any{"type": "string"},
				},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			requestID, _ := params["request_id"].(string)
			operators := toStrings(params["operators"])
			if len(operators) == 0 {
				return nil, fmt.Errorf("no operators to solicit")
			}

			// Fan out one solicitation per operator, fan the offers
			// back in over a channel.
			type offer struct {
				quote map[string]any
			}
			results := make(chan offer, len(operators))
			var wg sync.WaitGroup
			for _, op := range operators {
				wg.Add(1)
				go func(op string) {
					defer wg.Done()
					seed := laneHash(op + "|" + requestID)
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Duration(seed%50) * time.Millisecond):
					}
					results <- offer{quote: map[string]any{
						"operator":     op,
						"amount":       900.0 + float64(seed%600),
						"currency":     "USD",
						"transit_days": 2 + int(seed%5),
					}}
				}(op)
			}
			wg.Wait()
			close(results)

			quotes := make([]map[string]any, 0, len(operators))
			for r := range results {
				quotes = append(quotes, r.quote)
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return map[string]any{"quotes": quotes}, nil
		},
	})

	reg.MustRegister(capability.Definition{
		Name: CapRankQuotes,
		Schema: map[string]any{
			"type":     "object",
			"required": []string{"quotes"},
			"properties": map[string]any{
				"quotes": map[string]any{"type": "array", "minItems": 1},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			var set QuoteSet
			if err := decodeInto(params, &set); err != nil {
				return nil, fmt.Errorf("decode quotes: %w", err)
			}
			sort.SliceStable(set.Quotes, func(i, j int) bool {
				if set.Quotes[i].Amount != set.Quotes[j].Amount {
					return set.Quotes[i].Amount < set.Quotes[j].Amount
				}
				return set.Quotes[i].TransitDays < set.Quotes[j].TransitDays
			})
			return set, nil
		},
	})

	reg.MustRegister(capability.Definition{
		Name: CapGenerateProposal,
		Schema: map[string]any{
			"type":     "object",
			"required": []string{"client", "quotes"},
			"properties": map[string]any{
				"client": map[string]any{"type": "string"},
				"quotes": map[string]any{"type": "array", "minItems": 1},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			client, _ := params["client"].(string)
			var set QuoteSet
			if err := decodeInto(params, &set); err != nil {
				return nil, fmt.Errorf("decode quotes: %w", err)
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Hello %s,\n\nWe received %d quote(s) for your shipment:\n\n", client, len(set.Quotes))
			for i, q := range set.Quotes {
				fmt.Fprintf(&b, "  %d. %s — %.2f %s, %d day transit\n",
					i+1, q.Operator, q.Amount, q.Currency, q.TransitDays)
			}
			b.WriteString("\nReply to book the option that works best for you.\n")

			return map[string]any{
				"subject": fmt.Sprintf("Freight quotes: %d option(s) available", len(set.Quotes)),
				"body":    b.String(),
			}, nil
		},
	})

	reg.MustRegister(capability.Definition{
		Name: CapDeliverProposal,
		Schema: map[string]any{
			"type":     "object",
			"required": []string{"request_id", "channel", "subject", "body"},
			"properties": map[string]any{
				"request_id": map[string]any{"type": "string"},
				"channel":    map[string]any{"type": "string", "minLength": 1},
				"subject":    map[string]any{"type": "string"},
				"body":       map[string]any{"type": "string"},
			},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			d := &notify.Delivery{
				RequestID: params["request_id"].(string),
				Channel:   params["channel"].(string),
				Subject:   params["subject"].(string),
				Body:      params["body"].(string),
			}
			if deliveries == nil || len(deliveries.Platforms()) == 0 {
				logger.Info("no delivery adapters, logging proposal",
					zap.String("request", d.RequestID),
					zap.String("channel", d.Channel),
					zap.String("subject", d.Subject))
				return map[string]any{"status": "logged"}, nil
			}
			if err := deliveries.Deliver(ctx, d); err != nil {
				return nil, err
			}
			return map[string]any{"status": "sent", "platforms": deliveries.Platforms()}, nil
		},
	})
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func laneHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func toStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
