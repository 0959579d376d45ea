package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"redink/server/internal/domain"
	"redink/server/internal/outline"
	"redink/server/internal/providerconfig"
)

type outlineRequest struct {
	Topic  string   `json:"topic"`
	Images []string `json:"images"`
}

type pageDTO struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

func pageViews(pages []domain.PageSpec) []pageDTO {
	views := make([]pageDTO, len(pages))
	for i, p := range pages {
		views[i] = pageDTO{Index: p.Index, Type: string(p.Type), Content: p.Content}
	}
	return views
}

func (a *App) OutlineGenerate(w http.ResponseWriter, r *http.Request) {
	var req outlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		a.fail(w, http.StatusBadRequest, "主题不能为空")
		return
	}
	images, err := decodeImageRefs(req.Images)
	if err != nil {
		a.fail(w, http.StatusBadRequest, "参考图片格式无效")
		return
	}

	result, err := a.Outline.Generate(r.Context(), req.Topic, images)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			a.fail(w, http.StatusBadRequest, "主题不能为空")
			return
		}
		if errors.Is(err, providerconfig.ErrNoActiveProvider) {
			a.fail(w, http.StatusInternalServerError, noActiveProviderMessage(domain.ProviderCategoryText))
			return
		}
		a.Logger.Error().Err(err).Msg("outline generation failed")
		a.fail(w, http.StatusInternalServerError, outline.Describe(err))
		return
	}

	a.json(w, http.StatusOK, map[string]any{
		"success":    true,
		"outline":    result.Outline,
		"pages":      pageViews(result.Pages),
		"has_images": result.HasImages,
	})
}

func noActiveProviderMessage(cat domain.ProviderCategory) string {
	if cat == domain.ProviderCategoryImage {
		return "未找到激活的图片生成服务商。\n解决方案：在系统设置页面激活一个图片生成服务商"
	}
	return "未找到激活的文本生成服务商。\n解决方案：在系统设置页面激活一个文本生成服务商"
}

var dataURLPattern = regexp.MustCompile(`^data:([a-zA-Z0-9.+/-]+);base64,`)

// decodeImageRefs turns uploaded image strings into refs. Each entry is
// either a data URL or bare base64; bare payloads get their MIME sniffed.
func decodeImageRefs(entries []string) ([]domain.ImageRef, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	refs := make([]domain.ImageRef, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		mime := ""
		payload := entry
		if m := dataURLPattern.FindStringSubmatch(entry); m != nil {
			mime = m[1]
			payload = entry[len(m[0]):]
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, err
		}
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		refs = append(refs, domain.ImageRef{Data: data, MIME: mime})
	}
	return refs, nil
}
