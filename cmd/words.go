package cmd

import (
	"io"
	"slices"
	"strings"
	"unicode"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/JakeFAU/proceedings-crawler/internal/crawler"
)

// stopWords are dropped before counting: common English function words plus
// vocabulary nearly every abstract uses.
var stopWords = toSet(
	"a", "about", "above", "across", "after", "again", "against", "all", "also", "an", "and", "any",
	"are", "as", "at", "be", "been", "being", "between", "both", "but", "by", "can", "could", "do",
	"does", "each", "either", "for", "from", "further", "has", "have", "here", "how", "however", "if",
	"in", "into", "is", "it", "its", "many", "may", "more", "most", "much", "not", "of", "on", "only",
	"or", "other", "our", "over", "such", "than", "that", "the", "their", "them", "then", "there",
	"these", "they", "this", "those", "through", "thus", "to", "under", "up", "upon", "via", "was",
	"we", "well", "were", "what", "when", "where", "whether", "which", "while", "who", "whose", "why",
	"will", "with", "within", "without", "would", "yet",
	"model", "models", "data", "dataset", "datasets", "task", "tasks", "method", "methods",
	"approach", "approaches", "result", "results", "paper", "experiment", "experiments",
	"propose", "proposed", "show", "shows", "demonstrate", "performance", "achieve", "based",
	"using", "provide", "use", "used", "learn", "learning", "training", "state", "art", "existing",
	"novel", "different", "improve", "present", "introduce", "framework", "setting", "evaluation",
	"analysis", "work", "problem", "problems", "new", "recent", "study", "address", "furthermore",
	"additionally", "significantly", "extensive", "finally",
)

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// wordCount is a term and its number of occurrences across abstracts.
type wordCount struct {
	Word  string
	Count int
}

// topWords counts alphabetic abstract tokens of three or more letters,
// lowercased and minus stop words, and returns the n most frequent. Ties are
// broken alphabetically.
func topWords(records []crawler.PaperRecord, n int) []wordCount {
	counts := make(map[string]int)
	for _, rec := range records {
		if !rec.Abstract.Present {
			continue
		}
		for _, tok := range strings.FieldsFunc(strings.ToLower(rec.Abstract.Value), func(r rune) bool {
			return !unicode.IsLetter(r)
		}) {
			if len([]rune(tok)) < 3 {
				continue
			}
			if _, stop := stopWords[tok]; stop {
				continue
			}
			counts[tok]++
		}
	}
	out := make([]wordCount, 0, len(counts))
	for w, c := range counts {
		out = append(out, wordCount{Word: w, Count: c})
	}
	slices.SortFunc(out, func(a, b wordCount) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return strings.Compare(a.Word, b.Word)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func renderWords(out io.Writer, run string, words []wordCount) {
	t := newTable(out)
	t.SetTitle("Top abstract terms: " + run)
	t.AppendHeader(table.Row{"#", "Term", "Count"})
	for i, wc := range words {
		t.AppendRow(table.Row{i + 1, wc.Word, wc.Count})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
	})
	t.Render()
}
