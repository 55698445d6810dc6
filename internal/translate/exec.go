package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

type execProvider struct {
	cmd []string
}

type execRequest struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type execResponse struct {
	Text string `json:"text"`
}

// NewExecProvider runs command once per utterance, writing a JSON request on
// stdin and reading {"text": "..."} from stdout.
func NewExecProvider(command string) (Provider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translation command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translation command empty")
	}
	return &execProvider{cmd: args}, nil
}

func (p *execProvider) Name() string { return "exec" }

func (p *execProvider) Translate(ctx context.Context, text, source, target string) (string, error) {
	input, err := json.Marshal(execRequest{Text: text, Source: source, Target: target})
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("translation exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode translation exec response: %w", err)
	}
	return resp.Text, nil
}
