package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/browseragent/internal/agent"
	"github.com/haasonsaas/browseragent/pkg/models"
)

// inboundMessage is the union of the four command shapes §6 names:
// CHAT, AGENT_RUN, RESEARCH_RUN, AGENT_STOP.
type inboundMessage struct {
	Type           string `json:"type"`
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversationId"`
}

type ackMessage struct {
	OK             bool   `json:"ok"`
	ConversationID string `json:"conversationId"`
}

type outboundEvent struct {
	Type           string `json:"type"`
	Text           string `json:"text,omitempty"`
	Error          string `json:"error,omitempty"`
	ConversationID string `json:"conversationId"`
}

// server is the long-lived command/event loop over stdin/stdout JSON
// lines. Each AGENT_RUN/RESEARCH_RUN spawns its own goroutine so a slow
// run never blocks reading the next inbound command; AGENT_STOP cancels
// the named conversation's context (§5's cooperative-cancellation
// checkpoints: top of loop iteration, before each tool call, in each
// sub-task progress callback).
type server struct {
	rt *runtime
	out io.Writer
	outMu sync.Mutex

	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

func buildServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a long-lived command/event loop over stdin/stdout JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			s := &server{rt: rt, out: cmd.OutOrStdout(), cancel: make(map[string]context.CancelFunc)}
			return s.run(ctx, cmd.InOrStdin())
		},
	}
	return cmd
}

func (s *server) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.rt.logger.Warn(ctx, "serve: malformed inbound message", "error", err)
			continue
		}
		s.dispatch(ctx, msg)
	}
	return scanner.Err()
}

func (s *server) dispatch(ctx context.Context, msg inboundMessage) {
	switch msg.Type {
	case "AGENT_STOP":
		s.mu.Lock()
		if cancel, ok := s.cancel[msg.ConversationID]; ok {
			cancel()
			delete(s.cancel, msg.ConversationID)
		}
		s.mu.Unlock()
		s.writeAck(msg.ConversationID)

	case "CHAT":
		s.writeAck(msg.ConversationID)
		go s.handleChat(ctx, msg)

	case "AGENT_RUN":
		s.writeAck(msg.ConversationID)
		runCtx := s.registerConversation(ctx, msg.ConversationID)
		go s.handleAgentRun(runCtx, msg)

	case "RESEARCH_RUN":
		s.writeAck(msg.ConversationID)
		runCtx := s.registerConversation(ctx, msg.ConversationID)
		go s.handleResearchRun(runCtx, msg)

	default:
		s.rt.logger.Warn(ctx, "serve: unknown inbound message type", "type", msg.Type)
	}
}

func (s *server) registerConversation(parent context.Context, conversationID string) context.Context {
	runCtx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.cancel[conversationID] = cancel
	s.mu.Unlock()
	return runCtx
}

func (s *server) clearConversation(conversationID string) {
	s.mu.Lock()
	delete(s.cancel, conversationID)
	s.mu.Unlock()
}

func (s *server) writeAck(conversationID string) {
	s.writeJSON(ackMessage{OK: true, ConversationID: conversationID})
}

func (s *server) writeProgress(conversationID, text string) {
	s.writeJSON(outboundEvent{Type: "agent_progress", Text: text, ConversationID: conversationID})
}

func (s *server) writeDone(conversationID string) {
	s.writeJSON(outboundEvent{Type: "agent_done", ConversationID: conversationID})
}

func (s *server) writeError(conversationID string, err error) {
	s.writeJSON(outboundEvent{Type: "agent_error", Error: err.Error(), ConversationID: conversationID})
}

func (s *server) writeJSON(v any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	enc := json.NewEncoder(s.out)
	if err := enc.Encode(v); err != nil {
		s.rt.logger.Error(context.Background(), "serve: failed writing outbound event", "error", err)
	}
}

func (s *server) handleChat(ctx context.Context, msg inboundMessage) {
	chunks, err := s.rt.provider.Complete(ctx, &agent.CompletionRequest{
		Model:    s.rt.cfg.LLM.Model,
		Messages: []agent.CompletionMessage{{Role: "user", Content: msg.Prompt}},
	})
	if err != nil {
		s.writeError(msg.ConversationID, err)
		return
	}
	var text string
	for chunk := range chunks {
		if chunk.Error != nil {
			s.writeError(msg.ConversationID, chunk.Error)
			return
		}
		text += chunk.Text
		if chunk.Done {
			break
		}
	}
	s.writeProgress(msg.ConversationID, text)
	s.writeDone(msg.ConversationID)
}

func (s *server) handleAgentRun(ctx context.Context, msg inboundMessage) {
	defer s.clearConversation(msg.ConversationID)

	loop, tabID, err := s.rt.newSingleTabLoop(ctx, "", msg.Prompt)
	if err != nil {
		s.writeError(msg.ConversationID, err)
		return
	}
	loop.SetProgress(func(status string) { s.writeProgress(msg.ConversationID, status) })

	result, err := loop.Run(ctx, msg.ConversationID, []*models.Message{{Role: models.RoleUser, Content: msg.Prompt}}, tabID)
	if err != nil {
		s.writeError(msg.ConversationID, err)
		return
	}
	s.writeProgress(msg.ConversationID, result.FinalText)
	s.writeDone(msg.ConversationID)
}

func (s *server) handleResearchRun(ctx context.Context, msg inboundMessage) {
	defer s.clearConversation(msg.ConversationID)

	orch := s.rt.newOrchestrator()
	plan, err := orch.Decompose(ctx, msg.Prompt)
	if err != nil {
		s.writeError(msg.ConversationID, err)
		return
	}

	if !plan.IsResearch {
		s.writeProgress(msg.ConversationID, "Not research-shaped; falling back to single-tab agent.")
		s.handleAgentRun(ctx, msg)
		return
	}

	s.writeProgress(msg.ConversationID, fmt.Sprintf("Decomposed into %d sub-tasks", len(plan.SubTasks)))
	result, err := orch.Execute(ctx, msg.Prompt, plan, func(status string) { s.writeProgress(msg.ConversationID, status) })
	if err != nil {
		s.writeError(msg.ConversationID, err)
		return
	}
	s.writeProgress(msg.ConversationID, result.FinalAnswer)
	s.writeDone(msg.ConversationID)
}
