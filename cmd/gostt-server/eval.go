package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-server/internal/transcribe"
)

var (
	evalAudio         string
	evalReference     string
	evalReferenceFile string
	evalModel         string
	evalLanguage      string
	evalJSON          bool
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Transcribe a file and score it against a reference",
	Long: `Transcribe one audio file with the local whisper model and report the word
error rate against a reference transcript, plus the real-time factor.`,
	Example: `  gostt-server eval --audio sample.wav --reference "Hallo Welt"
  gostt-server eval --audio talk.ogg --reference-file talk.txt --model small --language auto`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reference, err := readReference(evalReference, evalReferenceFile)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(evalAudio)
		if err != nil {
			return fmt.Errorf("reading audio: %w", err)
		}

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Close()

		ctx := cmd.Context()
		resolver := resolveProfile(ctx, cfg)
		stt, _, err := newSTT(cfg, resolver, logger.Logger)
		if err != nil {
			return err
		}
		defer stt.Close()

		ev, err := stt.Evaluate(ctx, transcribe.Request{
			Audio:    data,
			Encoding: encodingFor(evalAudio),
			Language: evalLanguage,
			Size:     evalModel,
		}, reference)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if evalJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(ev)
		}
		printEvaluation(out, ev)
		return nil
	},
}

func readReference(text, path string) (string, error) {
	switch {
	case text != "" && path != "":
		return "", errors.New("use either --reference or --reference-file, not both")
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading reference: %w", err)
		}
		return string(data), nil
	case text != "":
		return text, nil
	}
	return "", errors.New("a reference transcript is required (--reference or --reference-file)")
}

// encodingFor guesses the declared encoding of an audio file from its
// extension.
func encodingFor(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return ""
	}
	return "audio/" + ext
}

func printEvaluation(w io.Writer, ev transcribe.Evaluation) {
	fmt.Fprintf(w, "Model:     %s\n", ev.Model)
	fmt.Fprintf(w, "Language:  %s\n", ev.Language)
	fmt.Fprintf(w, "Audio:     %.1fs\n", ev.Duration)
	fmt.Fprintf(w, "Elapsed:   %s (RTF %.2f)\n", ev.Elapsed.Round(time.Millisecond), ev.RTF)
	fmt.Fprintf(w, "WER:       %.1f%% (%d sub, %d ins, %d del over %d words)\n",
		ev.WER*100, ev.Substitutions, ev.Insertions, ev.Deletions, ev.RefWords)
	fmt.Fprintf(w, "Text:      %s\n", ev.Text)
}

func init() {
	evalCmd.Flags().StringVarP(&evalAudio, "audio", "a", "", "audio file to transcribe")
	evalCmd.Flags().StringVarP(&evalReference, "reference", "r", "", "reference transcript")
	evalCmd.Flags().StringVar(&evalReferenceFile, "reference-file", "", "file holding the reference transcript")
	evalCmd.Flags().StringVarP(&evalModel, "model", "m", "", "whisper model size (default: from profile)")
	evalCmd.Flags().StringVarP(&evalLanguage, "language", "l", transcribe.DefaultLanguage, "ISO 639-1 code or auto")
	evalCmd.Flags().BoolVar(&evalJSON, "json", false, "print as JSON")
	evalCmd.MarkFlagRequired("audio")
	rootCmd.AddCommand(evalCmd)
}
