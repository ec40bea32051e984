package transcribe

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// Score is a word-level comparison of a transcript against a reference.
type Score struct {
	WER           float64 `json:"wer"` // 0 is perfect; can exceed 1 with many insertions
	Substitutions int     `json:"substitutions"`
	Insertions    int     `json:"insertions"`
	Deletions     int     `json:"deletions"`
	RefWords      int     `json:"ref_words"`
}

// alignment is one cell of the edit-distance table, carrying the edit
// counts of its cheapest path.
type alignment struct {
	subs, ins, dels int
}

func (a alignment) cost() int { return a.subs + a.ins + a.dels }

// ScoreTranscript computes the word error rate of hypothesis against
// reference after lowercasing, stripping punctuation and collapsing
// whitespace. An empty reference scores 0.
func ScoreTranscript(reference, hypothesis string) Score {
	ref := words(reference)
	hyp := words(hypothesis)
	if len(ref) == 0 {
		return Score{}
	}

	// prev[j] aligns ref[:i-1] with hyp[:j]; cur[j] aligns ref[:i].
	prev := make([]alignment, len(hyp)+1)
	cur := make([]alignment, len(hyp)+1)
	for j := range prev {
		prev[j] = alignment{ins: j}
	}
	for i := 1; i <= len(ref); i++ {
		cur[0] = alignment{dels: i}
		for j := 1; j <= len(hyp); j++ {
			if ref[i-1] == hyp[j-1] {
				cur[j] = prev[j-1]
				continue
			}
			best := prev[j-1]
			best.subs++
			if del := prev[j]; del.cost()+1 < best.cost() {
				best = del
				best.dels++
			}
			if ins := cur[j-1]; ins.cost()+1 < best.cost() {
				best = ins
				best.ins++
			}
			cur[j] = best
		}
		prev, cur = cur, prev
	}

	a := prev[len(hyp)]
	return Score{
		WER:           float64(a.cost()) / float64(len(ref)),
		Substitutions: a.subs,
		Insertions:    a.ins,
		Deletions:     a.dels,
		RefWords:      len(ref),
	}
}

func words(s string) []string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Fields(s)
}

// Evaluation is the outcome of transcribing a sample with a known
// reference transcript.
type Evaluation struct {
	Result
	Score
	Elapsed time.Duration `json:"elapsed"`
	RTF     float64       `json:"rtf"` // processing time / audio time
}

// Evaluate transcribes req and scores the text against reference.
func (s *Service) Evaluate(ctx context.Context, req Request, reference string) (Evaluation, error) {
	start := time.Now()
	res, err := s.Transcribe(ctx, req)
	if err != nil {
		return Evaluation{}, err
	}
	ev := Evaluation{
		Result:  res,
		Score:   ScoreTranscript(reference, res.Text),
		Elapsed: time.Since(start),
	}
	if res.Duration > 0 {
		ev.RTF = ev.Elapsed.Seconds() / res.Duration
	}
	return ev, nil
}
