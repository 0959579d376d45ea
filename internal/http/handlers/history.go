package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"redink/server/internal/domain"
	"redink/server/internal/history"
)

type historyIndexDTO struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Thumbnail string    `json:"thumbnail"`
	TaskID    string    `json:"task_id"`
	PageCount int       `json:"page_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func historyIndexViews(records []domain.HistoryIndex) []historyIndexDTO {
	views := make([]historyIndexDTO, len(records))
	for i, rec := range records {
		views[i] = historyIndexDTO{
			ID:        rec.ID,
			Title:     rec.Title,
			Status:    string(rec.Status),
			Thumbnail: rec.Thumbnail,
			TaskID:    rec.TaskID,
			PageCount: rec.PageCount,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}
	}
	return views
}

func (a *App) HistoryList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	status := q.Get("status")
	if status != "" && !validHistoryStatus(status) {
		a.fail(w, http.StatusBadRequest, "无效的状态")
		return
	}

	result, err := a.History.List(r.Context(), history.ListParams{
		Page:     page,
		PageSize: size,
		Status:   domain.HistoryStatus(status),
	})
	if err != nil {
		a.Logger.Error().Err(err).Msg("list history failed")
		a.fail(w, http.StatusInternalServerError, "获取历史记录失败")
		return
	}

	a.json(w, http.StatusOK, map[string]any{
		"records":     historyIndexViews(result.Records),
		"total":       result.Total,
		"page":        result.Page,
		"page_size":   result.PageSize,
		"total_pages": result.TotalPages,
	})
}

func (a *App) HistorySearch(w http.ResponseWriter, r *http.Request) {
	records, err := a.History.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		a.Logger.Error().Err(err).Msg("search history failed")
		a.fail(w, http.StatusInternalServerError, "搜索历史记录失败")
		return
	}
	a.json(w, http.StatusOK, historyIndexViews(records))
}

func (a *App) HistoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.History.Stats(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("history stats failed")
		a.fail(w, http.StatusInternalServerError, "获取统计信息失败")
		return
	}
	byStatus := make(map[string]int, len(stats.ByStatus))
	for status, count := range stats.ByStatus {
		byStatus[string(status)] = count
	}
	a.json(w, http.StatusOK, map[string]any{
		"total":     stats.Total,
		"by_status": byStatus,
	})
}

func (a *App) HistoryGet(w http.ResponseWriter, r *http.Request) {
	rec, err := a.History.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.fail(w, http.StatusNotFound, "记录不存在")
			return
		}
		a.Logger.Error().Err(err).Msg("get history failed")
		a.fail(w, http.StatusInternalServerError, "获取历史记录失败")
		return
	}

	generated := make([]string, len(rec.Images))
	pageErrors := map[string]string{}
	for i, img := range rec.Images {
		generated[i] = img.Filename
		if img.Error != "" {
			pageErrors[strconv.Itoa(img.Index)] = img.Error
		}
	}

	view := map[string]any{
		"id":         rec.ID,
		"title":      rec.Title,
		"status":     string(rec.Status),
		"thumbnail":  rec.Thumbnail,
		"created_at": rec.CreatedAt,
		"updated_at": rec.UpdatedAt,
		"outline": map[string]any{
			"raw":   rec.OutlineText,
			"pages": pageViews(rec.Pages),
		},
		"images": map[string]any{
			"task_id":   rec.TaskID,
			"generated": generated,
		},
	}
	if len(pageErrors) > 0 {
		view["errors"] = pageErrors
	}
	a.json(w, http.StatusOK, view)
}

type historyUpdateRequest struct {
	Outline *struct {
		Raw   string    `json:"raw"`
		Pages []pageDTO `json:"pages"`
	} `json:"outline"`
	Images *struct {
		TaskID    string    `json:"task_id"`
		Generated []*string `json:"generated"`
	} `json:"images"`
	Status    *string `json:"status"`
	Thumbnail *string `json:"thumbnail"`
}

func (a *App) HistoryUpdate(w http.ResponseWriter, r *http.Request) {
	var req historyUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.fail(w, http.StatusBadRequest, "无效的请求数据")
		return
	}

	var params history.UpdateParams
	if req.Outline != nil {
		pages := make([]domain.PageSpec, len(req.Outline.Pages))
		for i, p := range req.Outline.Pages {
			pages[i] = domain.PageSpec{Index: p.Index, Type: pageType(p.Type), Content: p.Content}
		}
		params.Outline = &history.OutlineUpdate{Raw: req.Outline.Raw, Pages: pages}
	}
	if req.Images != nil {
		// Null filenames mark failed pages; they keep their slot as "".
		generated := make([]string, len(req.Images.Generated))
		for i, name := range req.Images.Generated {
			if name != nil {
				generated[i] = *name
			}
		}
		params.Images = &history.ImagesUpdate{TaskID: req.Images.TaskID, Generated: generated}
	}
	if req.Status != nil {
		if !validHistoryStatus(*req.Status) {
			a.fail(w, http.StatusBadRequest, "无效的状态")
			return
		}
		status := domain.HistoryStatus(*req.Status)
		params.Status = &status
	}
	params.Thumbnail = req.Thumbnail

	if err := a.History.Update(r.Context(), chi.URLParam(r, "id"), params); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.fail(w, http.StatusNotFound, "记录不存在")
			return
		}
		a.Logger.Error().Err(err).Msg("update history failed")
		a.fail(w, http.StatusInternalServerError, "更新历史记录失败")
		return
	}
	a.json(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "记录已更新",
	})
}

// HistoryDelete removes the record and its image directory. Storage cleanup
// failures are logged, not surfaced: the row is already gone.
func (a *App) HistoryDelete(w http.ResponseWriter, r *http.Request) {
	taskID, err := a.History.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.fail(w, http.StatusNotFound, "记录不存在")
			return
		}
		a.Logger.Error().Err(err).Msg("delete history failed")
		a.fail(w, http.StatusInternalServerError, "删除历史记录失败")
		return
	}
	if taskID != "" {
		if err := a.Files.RemoveDir(r.Context(), taskID); err != nil {
			a.Logger.Error().Err(err).Str("task_id", taskID).Msg("remove task images failed")
		}
	}
	a.json(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "记录已删除",
	})
}

func validHistoryStatus(s string) bool {
	switch domain.HistoryStatus(s) {
	case domain.HistoryStatusDraft, domain.HistoryStatusGenerating,
		domain.HistoryStatusCompleted, domain.HistoryStatusPartial:
		return true
	}
	return false
}
