package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andy6609/chatserver/internal/queue"
)

// listCommand is the one literal control command in this protocol's
// vocabulary (spec §6 "Command vocabulary"): case-sensitive, no
// surrounding-whitespace trimming, no escaping or quoting.
const listCommand = "list"

// runProcessor is the command-processor goroutine (spec §4.5
// "Processor thread"): pop from in, classify, push exactly one response
// envelope to out. It never touches sockets and treats the registry as
// read-only, via Registry.Current's published snapshot.
func runProcessor(ctx context.Context, in, out *queue.Queue[Envelope], reg *Registry, m *Metrics) {
	for {
		env, err := in.WaitPop(ctx)
		if err != nil {
			return
		}

		start := time.Now()
		eventType := "broadcast"
		var resp Envelope
		if string(env.Body) == listCommand {
			eventType = "list"
			resp = classifyList(env, reg)
		} else {
			resp = classifyBroadcast(env, reg)
		}

		if m != nil {
			m.MessagesTotal.WithLabelValues(eventType).Inc()
			m.EventProcessingDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		}

		out.Push(resp)
	}
}

// classifyList builds the status listing described in spec §4.5: each
// line is "<nick padded to column 10>: online\n", one line per
// currently-registered (always ONLINE, per the registry's immediate-
// removal policy) nick, destined only to the requester.
func classifyList(env Envelope, reg *Registry) Envelope {
	snap := reg.Current()
	var b strings.Builder
	for _, nick := range snap.Nicks {
		fmt.Fprintf(&b, "%-10s: %s\n", nick, Online)
	}
	return Envelope{
		Body: []byte(b.String()),
		Src:  env.Src,
		Dsts: []string{env.Src},
	}
}

// classifyBroadcast formats "<src>: <body>" destined to every
// registered nick except the source (spec §4.5, "no self-echo" in
// spec §8).
func classifyBroadcast(env Envelope, reg *Registry) Envelope {
	snap := reg.Current()
	dsts := make([]string, 0, len(snap.Nicks))
	for _, nick := range snap.Nicks {
		if nick != env.Src {
			dsts = append(dsts, nick)
		}
	}
	return Envelope{
		Body: []byte(env.Src + ": " + string(env.Body)),
		Src:  env.Src,
		Dsts: dsts,
	}
}
