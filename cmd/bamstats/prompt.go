package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AlecAivazis/survey/v2"

	"github.com/vshulcz/bamstats/internal/config"
	"github.com/vshulcz/bamstats/internal/domain"
)

type prompter interface {
	Input(message, help string, required bool) (string, error)
	Confirm(message string, def bool) (bool, error)
}

type surveyPrompter struct{}

func (surveyPrompter) Input(message, help string, required bool) (string, error) {
	var out string
	var opts []survey.AskOpt
	if required {
		opts = append(opts, survey.WithValidator(survey.Required))
	}
	err := survey.AskOne(&survey.Input{Message: message, Help: help}, &out, opts...)
	return strings.TrimSpace(out), err
}

func (surveyPrompter) Confirm(message string, def bool) (bool, error) {
	out := def
	err := survey.AskOne(&survey.Confirm{Message: message, Default: def}, &out)
	return out, err
}

// defaultPrompter returns nil unless stdin is a terminal.
func defaultPrompter() prompter {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return nil
	}
	return surveyPrompter{}
}

// completeRunConfig asks for the inputs a run cannot do without. Without a
// prompter a missing URL is a configuration error.
func completeRunConfig(cfg *config.RunConfig, p prompter) error {
	if cfg.URL != "" {
		return nil
	}
	if p == nil {
		return fmt.Errorf("%w: --url is required", domain.ErrConfiguration)
	}
	var err error
	if cfg.URL, err = p.Input("Alignment file URL or path:", "http(s)://, gs://, s3:// or a local .bam", true); err != nil {
		return err
	}
	if cfg.IndexURL == "" {
		if cfg.IndexURL, err = p.Input("Index file URL (optional):", "leave empty when the broker does not need one", false); err != nil {
			return err
		}
	}
	if !cfg.Sinks.NoFile {
		dir, _ := filepath.Abs(cfg.Sinks.OutDir)
		write, err := p.Confirm(fmt.Sprintf("Write metrics file to %s?", dir), true)
		if err != nil {
			return err
		}
		cfg.Sinks.NoFile = !write
	}
	return nil
}
