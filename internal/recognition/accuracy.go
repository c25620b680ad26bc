package recognition

import (
	"strings"
	"unicode/utf8"

	"github.com/arbovm/levenshtein"
	"github.com/codycollier/wer"

	"github.com/anime-shed/image-ocr-go/pkg/models"
)

// normalize lower-cases text and collapses all whitespace runs, so line
// breaks introduced by the OCR layout do not count as errors.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Score compares recognized text with expected text.
func Score(recognized, expected string) *models.Accuracy {
	ref := normalize(expected)
	hyp := normalize(recognized)

	acc := &models.Accuracy{ExpectedText: expected}

	refLen := utf8.RuneCountInString(ref)
	switch {
	case refLen == 0 && hyp == "":
		acc.CER = 0
	case refLen == 0:
		acc.CER = 1
	default:
		acc.CER = float64(levenshtein.Distance(ref, hyp)) / float64(refLen)
	}

	refWords := strings.Fields(ref)
	hypWords := strings.Fields(hyp)
	switch {
	case len(refWords) == 0 && len(hypWords) == 0:
		acc.WER = 0
	case len(refWords) == 0:
		acc.WER = 1
	default:
		acc.WER, _ = wer.WER(refWords, hypWords)
	}

	acc.MatchScore = clamp01(1 - acc.CER)
	return acc
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
