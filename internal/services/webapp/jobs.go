package webapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"hw-inspector/internal/domain/model"
	"hw-inspector/internal/platform/id"
)

type jobManager struct {
	mu   sync.Mutex
	jobs map[string]*updateIDsJob
}

func newJobManager() *jobManager {
	return &jobManager{jobs: make(map[string]*updateIDsJob)}
}

type updateIDsJob struct {
	JobID      string `json:"job_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"` // running|success|failed
	CreatedAt  int64  `json:"created_at"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`

	// Stage/Progress/Logs 是给前端“控制台”用的轻量字段：
	// 下载是串行的 usb -> pci，进度不追求精细，但至少能让 UI
	// 展示当前阶段、百分比和实时日志。
	Stage    string       `json:"stage,omitempty"`    // usb_update|pci_update|finished
	Progress int          `json:"progress,omitempty"` // 0-100
	Logs     []jobLogLine `json:"logs,omitempty"`

	USB *model.UpdateResult `json:"usb,omitempty"`
	PCI *model.UpdateResult `json:"pci,omitempty"`

	Error string `json:"error,omitempty"`
}

type jobLogLine struct {
	Time    int64  `json:"time"`
	Message string `json:"message"`
}

func (m *jobManager) put(job *updateIDsJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = job
}

func (m *jobManager) getCopy(jobID string) (updateIDsJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j == nil {
		return updateIDsJob{}, false
	}
	cpy := *j
	// 深拷贝 slice，避免解锁后后台 goroutine append 导致 data race。
	if len(cpy.Logs) > 0 {
		tmp := make([]jobLogLine, len(cpy.Logs))
		copy(tmp, cpy.Logs)
		cpy.Logs = tmp
	}
	return cpy, true
}

func (m *jobManager) listCopies() []updateIDsJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]updateIDsJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j == nil {
			continue
		}
		cpy := *j
		if len(cpy.Logs) > 0 {
			tmp := make([]jobLogLine, len(cpy.Logs))
			copy(tmp, cpy.Logs)
			cpy.Logs = tmp
		}
		out = append(out, cpy)
	}
	return out
}

// handleJobUpdateIDs 异步更新 usb.ids/pci.ids。
// 权威源在公网上，一次完整下载可能要数十秒，所以 UI 走后台任务而不是同步接口。
func (s *Server) handleJobUpdateIDs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Force bool `json:"force,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}

	jobID := id.New("job")
	now := time.Now().Unix()
	job := &updateIDsJob{
		JobID:     jobID,
		Kind:      "update_ids",
		Status:    "running",
		CreatedAt: now,
		StartedAt: now,
		Stage:     "usb_update",
		Progress:  1,
		Logs: []jobLogLine{{
			Time:    now,
			Message: "job created",
		}},
	}
	s.jobs.put(job)

	// 先返回一份拷贝，避免后台 goroutine 修改同一对象导致数据竞争。
	resp := *job

	go func() {
		ctx := context.Background()

		update := func(stage string, progress int, msg string) {
			s.jobs.mu.Lock()
			defer s.jobs.mu.Unlock()
			if stage != "" {
				job.Stage = stage
			}
			if progress >= 0 {
				job.Progress = progress
			}
			if strings.TrimSpace(msg) != "" {
				job.Logs = append(job.Logs, jobLogLine{
					Time:    time.Now().Unix(),
					Message: msg,
				})
			}
		}

		results := map[model.Bus]*model.UpdateResult{}
		stages := []struct {
			kind     model.Bus
			stage    string
			progress int
		}{
			{model.BusUSB, "usb_update", 10},
			{model.BusPCI, "pci_update", 60},
		}

		for _, st := range stages {
			if !req.Force && !s.updater.NeedsUpdate(st.kind) {
				update(st.stage, st.progress, string(st.kind)+" definitions are fresh, skipped")
				continue
			}
			update(st.stage, st.progress, string(st.kind)+" update starting")
			res := s.updater.Update(ctx, st.kind)
			results[st.kind] = &res
			if res.Error != "" {
				update("", -1, string(st.kind)+" update failed: "+res.Error)
			} else {
				update("", -1, string(st.kind)+" update finished")
			}
		}

		s.jobs.mu.Lock()
		defer s.jobs.mu.Unlock()
		job.USB = results[model.BusUSB]
		job.PCI = results[model.BusPCI]
		job.Stage = "finished"
		job.Progress = 100
		job.FinishedAt = time.Now().Unix()

		var errs []string
		for _, st := range stages {
			if res := results[st.kind]; res != nil && res.Error != "" {
				errs = append(errs, string(st.kind)+": "+res.Error)
			}
		}
		if len(errs) == len(results) && len(results) > 0 {
			job.Status = "failed"
			job.Error = strings.Join(errs, "; ")
			job.Logs = append(job.Logs, jobLogLine{Time: time.Now().Unix(), Message: "job failed"})
			return
		}
		// best effort：跳过或部分成功都算 success
		job.Status = "success"
		if len(errs) > 0 {
			job.Error = strings.Join(errs, "; ")
		}
		job.Logs = append(job.Logs, jobLogLine{Time: time.Now().Unix(), Message: "job success"})
	}()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		// 简单返回全部 job（内测用，后续可加 limit/排序）
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs": s.jobs.listCopies(),
		})
		return
	}

	job, ok := s.jobs.getCopy(rest)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job not found: %s", rest))
		return
	}
	writeJSON(w, http.StatusOK, job)
}
