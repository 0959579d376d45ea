package handlers

import (
	"encoding/json"
	"net/http"

	"redink/server/internal/domain"
	"redink/server/internal/providerconfig"
)

func (a *App) ConfigGet(w http.ResponseWriter, r *http.Request) {
	text, err := a.Providers.Category(r.Context(), domain.ProviderCategoryText)
	if err != nil {
		a.Logger.Error().Err(err).Msg("load text config failed")
		a.fail(w, http.StatusInternalServerError, "获取配置失败")
		return
	}
	image, err := a.Providers.Category(r.Context(), domain.ProviderCategoryImage)
	if err != nil {
		a.Logger.Error().Err(err).Msg("load image config failed")
		a.fail(w, http.StatusInternalServerError, "获取配置失败")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"success": true,
		"config": map[string]any{
			"text_generation":  text,
			"image_generation": image,
		},
	})
}

// categoryDocument is one category as the settings UI posts it: the provider
// entries are loose maps so vendor tuning keys ride along unmodelled.
type categoryDocument struct {
	ActiveProvider string                    `json:"active_provider"`
	Providers      map[string]map[string]any `json:"providers"`
}

type configUpdateRequest struct {
	TextGeneration  *categoryDocument `json:"text_generation"`
	ImageGeneration *categoryDocument `json:"image_generation"`
}

func (a *App) ConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var req configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, http.StatusBadRequest, "无效的请求数据")
		return
	}

	if req.ImageGeneration != nil {
		if err := a.Providers.ReplaceCategory(r.Context(), domain.ProviderCategoryImage, categoryUpdate(*req.ImageGeneration)); err != nil {
			a.Logger.Error().Err(err).Msg("update image config failed")
			a.fail(w, http.StatusInternalServerError, "更新配置失败")
			return
		}
	}
	if req.TextGeneration != nil {
		if err := a.Providers.ReplaceCategory(r.Context(), domain.ProviderCategoryText, categoryUpdate(*req.TextGeneration)); err != nil {
			a.Logger.Error().Err(err).Msg("update text config failed")
			a.fail(w, http.StatusInternalServerError, "更新配置失败")
			return
		}
	}

	a.json(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "配置已保存",
	})
}

// categoryUpdate splits each posted provider document into the modelled
// columns and the extra tuning keys.
func categoryUpdate(doc categoryDocument) providerconfig.CategoryUpdate {
	upd := providerconfig.CategoryUpdate{ActiveProvider: doc.ActiveProvider}
	if doc.Providers == nil {
		return upd
	}
	upd.Providers = make(map[string]providerconfig.ProviderInput, len(doc.Providers))
	for name, raw := range doc.Providers {
		in := providerconfig.ProviderInput{Extra: map[string]any{}}
		for k, v := range raw {
			switch k {
			case "type":
				in.Type = domain.ProviderType(stringValue(v))
			case "api_key":
				in.APIKey = stringValue(v)
			case "base_url":
				in.BaseURL = stringValue(v)
			case "model":
				in.Model = stringValue(v)
			default:
				in.Extra[k] = v
			}
		}
		if len(in.Extra) == 0 {
			in.Extra = nil
		}
		upd.Providers[name] = in
	}
	return upd
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

type configTestRequest struct {
	Type         string `json:"type"`
	ProviderName string `json:"provider_name"`
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url"`
	Model        string `json:"model"`
}

// ConfigTest probes a provider with the posted settings, falling back to the
// stored configuration for anything omitted.
func (a *App) ConfigTest(w http.ResponseWriter, r *http.Request) {
	var req configTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	if req.Type == "" {
		a.fail(w, http.StatusBadRequest, "缺少 type 参数")
		return
	}

	result, err := a.Tester.Test(r.Context(), providerconfig.TestParams{
		Type:         domain.ProviderType(req.Type),
		ProviderName: req.ProviderName,
		APIKey:       req.APIKey,
		BaseURL:      req.BaseURL,
		Model:        req.Model,
	})
	if err != nil {
		a.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	a.json(w, http.StatusOK, result)
}
