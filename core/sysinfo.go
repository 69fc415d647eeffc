package core

import (
	"context"
	"strings"

	"pkt.systems/kernelx/schema"
)

const (
	sysVersionCode      = "import sys\r\nsys.version"
	sysExecutableCode   = "import sys\r\nsys.executable"
	notebookVersionCode = "import notebook\r\nnotebook.version_info"
)

// GetSysInfo probes the kernel for the interpreter version, the notebook
// package version and the interpreter path, and returns them as one messages
// cell in that order. A probe that fails contributes an empty message.
func (e *Executor) GetSysInfo(ctx context.Context) (schema.Cell, error) {
	if err := e.checkDisposed(); err != nil {
		return schema.Cell{}, err
	}
	probes := []string{sysVersionCode, notebookVersionCode, sysExecutableCode}
	messages := make([]string, 0, len(probes))
	for _, code := range probes {
		cells, err := e.executeSilently(ctx, code)
		if err != nil {
			if ctx.Err() != nil || e.isDisposed() {
				return schema.Cell{}, err
			}
			e.logger.Debug("executor sysinfo probe failed", "err", err)
		}
		text := ""
		if len(cells) > 0 {
			text = trimQuotes(extractText(cells[0]))
		}
		messages = append(messages, text)
	}
	return schema.Cell{
		ID:       schema.CellID(newID()),
		Type:     schema.CellTypeMessages,
		State:    schema.CellFinished,
		Messages: messages,
	}, nil
}

// extractText concatenates the stream text and text/plain payloads of a
// settled cell.
func extractText(cell schema.Cell) string {
	if !cell.State.Terminal() {
		return ""
	}
	var b strings.Builder
	for _, output := range cell.Outputs {
		if output.Type == schema.OutputStream {
			b.WriteString(formatStreamText(output.Text))
			continue
		}
		if text, ok := output.PlainText(); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

func trimQuotes(text string) string {
	text = strings.TrimSpace(text)
	if len(text) >= 2 {
		first, last := text[0], text[len(text)-1]
		if (first == '\'' || first == '"') && first == last {
			return text[1 : len(text)-1]
		}
	}
	return text
}
