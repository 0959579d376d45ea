package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"redink/server/internal/domain"
	"redink/server/internal/generation"
	"redink/server/internal/history"
	"redink/server/internal/providerconfig"
	"redink/server/internal/providers/image"
)

type generatePageInput struct {
	Index           int      `json:"index"`
	Type            string   `json:"type"`
	Content         string   `json:"content"`
	ReferenceImages []string `json:"reference_images"`
}

type generateRequest struct {
	HistoryID   string              `json:"history_id"`
	Title       string              `json:"title"`
	Pages       []generatePageInput `json:"pages"`
	Concurrency string              `json:"concurrency"`
}

type pageResultDTO struct {
	Index        int    `json:"index"`
	Status       string `json:"status"`
	ImageURL     string `json:"image_url,omitempty"`
	Error        string `json:"error,omitempty"`
	Retryable    bool   `json:"retryable"`
	AttemptCount int    `json:"attempt_count"`
}

func pageResultView(res domain.PageResult) pageResultDTO {
	dto := pageResultDTO{
		Index:        res.Index,
		Status:       string(res.Status),
		Error:        res.ErrorMessage,
		Retryable:    res.Retryable,
		AttemptCount: res.AttemptCount,
	}
	if res.Artifact != nil {
		dto.ImageURL = res.Artifact.URL
	}
	return dto
}

// Generate starts an image generation run. The history record is stamped
// with the new task id and a generating status before the job launches, so
// page results always find their record.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, http.StatusBadRequest, "无效的请求数据")
		return
	}
	if len(req.Pages) == 0 {
		a.fail(w, http.StatusBadRequest, "页面列表不能为空")
		return
	}

	pages := make([]domain.PageSpec, 0, len(req.Pages))
	seen := make(map[int]bool, len(req.Pages))
	for _, in := range req.Pages {
		if seen[in.Index] {
			a.fail(w, http.StatusBadRequest, "页面序号重复")
			return
		}
		seen[in.Index] = true
		refs, err := decodeImageRefs(in.ReferenceImages)
		if err != nil {
			a.fail(w, http.StatusBadRequest, "参考图片格式无效")
			return
		}
		pages = append(pages, domain.PageSpec{
			Index:           in.Index,
			Type:            pageType(in.Type),
			Content:         in.Content,
			ReferenceImages: refs,
		})
	}

	provider, err := a.Providers.ActiveConfig(r.Context(), domain.ProviderCategoryImage)
	if err != nil {
		if errors.Is(err, providerconfig.ErrNoActiveProvider) {
			a.fail(w, http.StatusInternalServerError, noActiveProviderMessage(domain.ProviderCategoryImage))
			return
		}
		a.Logger.Error().Err(err).Msg("load image provider failed")
		a.fail(w, http.StatusInternalServerError, "服务器内部错误")
		return
	}
	if err := image.ValidateConfig(provider); err != nil {
		var cfgErr *domain.ConfigurationError
		if errors.As(err, &cfgErr) {
			a.fail(w, http.StatusInternalServerError, "图片生成服务配置无效："+cfgErr.Reason)
			return
		}
		a.Logger.Error().Err(err).Msg("validate image provider failed")
		a.fail(w, http.StatusInternalServerError, "服务器内部错误")
		return
	}

	taskID := "task_" + uuid.NewString()
	historyID := req.HistoryID
	generating := domain.HistoryStatusGenerating
	if historyID != "" {
		err := a.History.Update(r.Context(), historyID, history.UpdateParams{
			Status: &generating,
			Images: &history.ImagesUpdate{TaskID: taskID},
		})
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				a.fail(w, http.StatusNotFound, "历史记录不存在")
				return
			}
			a.Logger.Error().Err(err).Str("history_id", historyID).Msg("stamp history for generation failed")
			a.fail(w, http.StatusInternalServerError, "服务器内部错误")
			return
		}
	} else {
		title := strings.TrimSpace(req.Title)
		if title == "" {
			title = "未命名图文"
		}
		historyID, err = a.History.Create(r.Context(), history.CreateParams{
			Title:  title,
			Status: generating,
			TaskID: taskID,
			Pages:  pages,
		})
		if err != nil {
			a.Logger.Error().Err(err).Msg("create history for generation failed")
			a.fail(w, http.StatusInternalServerError, "服务器内部错误")
			return
		}
	}

	task := domain.GenerationTask{
		TaskID:      taskID,
		HistoryID:   historyID,
		Pages:       pages,
		Concurrency: a.concurrencyMode(req.Concurrency),
		Provider:    provider,
	}
	if _, err := a.Registry.Start(task); err != nil {
		a.Logger.Error().Err(err).Str("task_id", taskID).Msg("start generation failed")
		a.fail(w, http.StatusInternalServerError, "启动生成任务失败")
		return
	}

	a.json(w, http.StatusAccepted, map[string]any{
		"success":    true,
		"task_id":    taskID,
		"history_id": historyID,
	})
}

// pageType maps the wire value onto a known page role, defaulting to content
// the same way the outline parser does.
func pageType(s string) domain.PageType {
	switch domain.PageType(s) {
	case domain.PageTypeCover:
		return domain.PageTypeCover
	case domain.PageTypeSummary:
		return domain.PageTypeSummary
	default:
		return domain.PageTypeContent
	}
}

func (a *App) concurrencyMode(s string) domain.ConcurrencyMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "parallel", "bounded-parallel":
		return domain.ConcurrencyBoundedParallel
	case "sequential":
		return domain.ConcurrencySequential
	default:
		return domain.ConcurrencyMode(a.Config.GenConcurrency)
	}
}

// TaskSnapshot reports the current state of every page of a task.
func (a *App) TaskSnapshot(w http.ResponseWriter, r *http.Request) {
	job, err := a.Registry.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		a.fail(w, http.StatusNotFound, "任务不存在")
		return
	}
	results := job.Results()
	views := make([]pageResultDTO, len(results))
	for i, res := range results {
		views[i] = pageResultView(res)
	}
	a.json(w, http.StatusOK, map[string]any{
		"task_id": job.TaskID(),
		"status":  string(job.Status()),
		"pages":   views,
	})
}

// TaskCancel stops dispatching new pages. In-flight provider calls finish
// on their own.
func (a *App) TaskCancel(w http.ResponseWriter, r *http.Request) {
	job, err := a.Registry.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		a.fail(w, http.StatusNotFound, "任务不存在")
		return
	}
	job.Cancel()
	a.json(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "任务已取消",
	})
}

// PageRetry regenerates one page of a finished task and blocks until the
// page reaches a terminal state again.
func (a *App) PageRetry(w http.ResponseWriter, r *http.Request) {
	job, err := a.Registry.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		a.fail(w, http.StatusNotFound, "任务不存在")
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		a.fail(w, http.StatusBadRequest, "页面序号无效")
		return
	}

	res, err := job.RetryPage(r.Context(), index)
	if err != nil {
		switch {
		case errors.Is(err, generation.ErrTaskRunning):
			a.fail(w, http.StatusConflict, "任务仍在进行中")
		case errors.Is(err, generation.ErrPageBusy):
			a.fail(w, http.StatusConflict, "该页面正在重新生成")
		case errors.Is(err, generation.ErrUnknownPage):
			a.fail(w, http.StatusNotFound, "页面不存在")
		default:
			a.Logger.Error().Err(err).Msg("page retry failed")
			a.fail(w, http.StatusInternalServerError, "服务器内部错误")
		}
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"success": true,
		"page":    pageResultView(res),
	})
}

const (
	progressKeepAlive = 15 * time.Second
	progressWriteWait = 10 * time.Second
)

// TaskProgress streams a task's progress as server-sent events: a replay of
// the current per-page snapshot, then live events until the final task event
// ends the stream. Keep-alive comments hold idle proxies open.
func (a *App) TaskProgress(w http.ResponseWriter, r *http.Request) {
	job, err := a.Registry.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		a.fail(w, http.StatusNotFound, "任务不存在")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.fail(w, http.StatusInternalServerError, "服务器内部错误")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	events := job.Subscribe(r.Context())
	keepAlive := time.NewTicker(progressKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_ = rc.SetWriteDeadline(time.Now().Add(progressWriteWait))
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				a.Logger.Error().Err(err).Msg("marshal progress event failed")
				continue
			}
			_ = rc.SetWriteDeadline(time.Now().Add(progressWriteWait))
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
			if ev.Type == generation.EventTask && domain.TaskStatus(ev.Status).Terminal() {
				return
			}
		}
	}
}
