package outline

import (
	"errors"
	"regexp"
	"strings"

	"redink/server/internal/domain"
)

// ErrEmptyOutline is returned when the model output contains no usable pages.
var ErrEmptyOutline = errors.New("outline: no pages found")

var (
	pageSplitPattern = regexp.MustCompile(`(?i)<page>`)
	typeTagPattern   = regexp.MustCompile(`^\[(\S+)\]`)
)

var typeTags = map[string]domain.PageType{
	"封面": domain.PageTypeCover,
	"内容": domain.PageTypeContent,
	"总结": domain.PageTypeSummary,
}

// Parse splits raw model output into page specs. Pages are separated by
// <page> markers in any letter case, with a bare --- separator accepted for
// older model output. Empty blocks are dropped and the surviving pages are
// indexed sequentially from zero. The type tag stays part of the content so
// downstream prompts see the full page text.
func Parse(text string) ([]domain.PageSpec, error) {
	var blocks []string
	if pageSplitPattern.MatchString(text) {
		blocks = pageSplitPattern.Split(text, -1)
	} else {
		blocks = strings.Split(text, "---")
	}

	pages := make([]domain.PageSpec, 0, len(blocks))
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		pageType := domain.PageTypeContent
		if m := typeTagPattern.FindStringSubmatch(block); m != nil {
			if mapped, ok := typeTags[m[1]]; ok {
				pageType = mapped
			}
		}
		pages = append(pages, domain.PageSpec{
			Index:   len(pages),
			Type:    pageType,
			Content: block,
		})
	}

	if len(pages) == 0 {
		return nil, ErrEmptyOutline
	}
	return pages, nil
}
