package agent

import (
	"context"
	"errors"
	"fmt"

	log "github.com/go-pkgz/lgr"

	"github.com/agentviz/agentviz/app/dataset"
	"github.com/agentviz/agentviz/app/enums"
	"github.com/agentviz/agentviz/app/llm"
	"github.com/agentviz/agentviz/app/prompts"
	"github.com/agentviz/agentviz/app/registry"
)

var errCancelled = errors.New("job cancelled")

// conversation is the state of one job's agent exchange
type conversation struct {
	runner     *Runner
	client     llm.Client
	jobID      string
	token      *registry.Token
	models     registry.Models
	vars       prompts.Vars
	transcript []registry.Message
}

// run drives the rounds: analyst once, then coder, then manager review (or a plain retry request) until
// the coder answer is terminal or rounds are exhausted. The last coder answer with code blocks is used.
func (c *conversation) run(ctx context.Context, frame *dataset.Frame) ([]Visualization, error) {
	p := c.runner.Prompts
	request, err := p.Request(c.vars)
	if err != nil {
		return nil, err
	}
	if err = c.record(enums.AgentRoleUser, request); err != nil {
		return nil, err
	}

	var blocks []Block
	for round := 1; round <= p.MaxRounds; round++ {
		if round == 1 {
			if _, err = c.turn(ctx, enums.AgentRoleAnalyst, c.models.Analyst, p.Analyst); err != nil {
				return nil, err
			}
		}

		answer, err := c.turn(ctx, enums.AgentRoleCoder, c.models.Coder, p.Coder)
		if err != nil {
			return nil, err
		}
		if found := ExtractBlocks(answer); len(found) > 0 {
			blocks = found
		}
		if IsTerminal(answer) || round == p.MaxRounds {
			break
		}

		if c.models.Manager != "" {
			if _, err = c.turn(ctx, enums.AgentRoleManager, c.models.Manager, p.Manager); err != nil {
				return nil, err
			}
			continue
		}
		v := c.vars
		v.Review = rejection(answer)
		retry, err := p.Retry(v)
		if err != nil {
			return nil, err
		}
		if err = c.record(enums.AgentRoleUser, retry); err != nil {
			return nil, err
		}
	}

	if err = c.check(ctx); err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		log.Printf("[INFO] job %s: no code blocks in coder answers, using default charts", c.jobID)
		return fallback(frame), nil
	}
	res := c.runner.visualizations(ctx, blocks, frame)
	if err = c.check(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// turn asks an agent for its next message and records it. An answer arriving after cancellation is dropped.
func (c *conversation) turn(ctx context.Context, role enums.AgentRole, model string,
	system func(prompts.Vars) (string, error)) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	sys, err := system(c.vars)
	if err != nil {
		return "", err
	}
	msgs := c.messagesFor(role, sys)

	var answer string
	var callErr error
	err = c.runner.Repeater.Do(ctx, func() error {
		a, e := c.client.Complete(ctx, model, msgs)
		if e != nil {
			callErr = e
			log.Printf("[DEBUG] job %s: %s call failed: %v", c.jobID, role, e)
			if errors.Is(e, llm.ErrAuth) {
				return llm.ErrAuth // no retries for rejected credentials
			}
			return e
		}
		answer, callErr = a, nil
		return nil
	}, llm.ErrAuth)

	if cErr := c.check(ctx); cErr != nil {
		if answer != "" {
			log.Printf("[INFO] job %s: %s answer discarded, job cancelled", c.jobID, role)
		}
		return "", cErr
	}
	if err != nil {
		if callErr == nil {
			callErr = err
		}
		return "", fmt.Errorf("%s (%s): %w", role, model, callErr)
	}
	if err := c.record(role, answer); err != nil {
		return "", err
	}
	return answer, nil
}

// check returns errCancelled once cancellation was requested or ctx is done
func (c *conversation) check(ctx context.Context) error {
	if c.token.Cancelled() || ctx.Err() != nil {
		return errCancelled
	}
	return nil
}

// record appends a message to the transcript and the registry log
func (c *conversation) record(role enums.AgentRole, content string) error {
	msg := registry.Message{Role: "assistant", Name: role.String(), Content: content}
	if role == enums.AgentRoleUser {
		msg.Role = "user"
	}
	if err := c.runner.Registry.Append(c.jobID, msg); err != nil {
		if errors.Is(err, registry.ErrNotFound) || errors.Is(err, registry.ErrJobFinished) {
			return errCancelled
		}
		return fmt.Errorf("record %s message: %w", role, err)
	}
	c.transcript = append(c.transcript, msg)
	return nil
}

// messagesFor builds the chat history as seen by role: its own messages are assistant turns,
// everyone else speaks as user prefixed with the speaker name
func (c *conversation) messagesFor(role enums.AgentRole, system string) []llm.Message {
	res := make([]llm.Message, 0, len(c.transcript)+1)
	res = append(res, llm.Message{Role: "system", Content: system})
	for _, m := range c.transcript {
		if m.Name == role.String() {
			res = append(res, llm.Message{Role: "assistant", Content: m.Content})
			continue
		}
		res = append(res, llm.Message{Role: "user", Content: m.Name + ": " + m.Content})
	}
	return res
}
