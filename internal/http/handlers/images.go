package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"redink/server/internal/domain"
	"redink/server/internal/storage"
	"redink/server/pkg/zip"
)

// ImageServe returns one generated image. Both path segments are validated
// and only image extensions are served, so the handler can never be walked
// out of the task directory.
func (a *App) ImageServe(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	filename := chi.URLParam(r, "filename")
	if storage.ValidateSegment(taskID) != nil || storage.ValidateSegment(filename) != nil {
		a.fail(w, http.StatusBadRequest, "无效的路径")
		return
	}
	if !storage.AllowedExt(filename) {
		a.fail(w, http.StatusBadRequest, "不支持的文件类型")
		return
	}

	data, err := a.Files.Read(r.Context(), taskID, filename)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.fail(w, http.StatusNotFound, "图片不存在")
			return
		}
		a.Logger.Error().Err(err).Str("task_id", taskID).Str("file", filename).Msg("read image failed")
		a.fail(w, http.StatusInternalServerError, "服务器内部错误")
		return
	}

	w.Header().Set("Content-Type", contentTypeForExt(filename))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ImageArchive bundles every page image of a task into one zip download.
func (a *App) ImageArchive(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if storage.ValidateSegment(taskID) != nil {
		a.fail(w, http.StatusBadRequest, "无效的路径")
		return
	}

	files, err := a.Files.PageFiles(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.fail(w, http.StatusNotFound, "任务不存在")
			return
		}
		a.Logger.Error().Err(err).Str("task_id", taskID).Msg("list task images failed")
		a.fail(w, http.StatusInternalServerError, "服务器内部错误")
		return
	}
	if len(files) == 0 {
		a.fail(w, http.StatusNotFound, "没有可下载的图片")
		return
	}

	entries := make([]zip.Entry, 0, len(files))
	for _, name := range files {
		data, err := a.Files.Read(r.Context(), taskID, name)
		if err != nil {
			a.Logger.Error().Err(err).Str("task_id", taskID).Str("file", name).Msg("read image for archive failed")
			continue
		}
		entries = append(entries, zip.Entry{Name: name, Data: data})
	}

	archive, err := zip.Archive(entries)
	if err != nil {
		a.Logger.Error().Err(err).Str("task_id", taskID).Msg("build archive failed")
		a.fail(w, http.StatusInternalServerError, "打包图片失败")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.zip", taskID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func contentTypeForExt(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "image/png"
	}
}
