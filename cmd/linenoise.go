package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/peterh/liner"
)

// LineNoise is the repl line editor with file backed history.
type LineNoise struct {
	*liner.State
}

func NewLineNoise() *LineNoise {
	ln := &LineNoise{liner.NewLiner()}
	ln.SetCtrlCAborts(true)
	return ln
}

func (ln *LineNoise) HistoryLoad(filepath string) error {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return err
	}
	_, err = ln.ReadHistory(bytes.NewReader(content))
	return err
}

func (ln *LineNoise) HistorySave(filepath string) error {
	var buf bytes.Buffer
	if _, err := ln.WriteHistory(&buf); err != nil {
		return err
	}
	return os.WriteFile(filepath, buf.Bytes(), 0600)
}

func (ln *LineNoise) ClearScreen(out io.Writer) {
	fmt.Fprint(out, "\x1b[H\x1b[2J")
}
