package jobs

// Reporter is handed to a job's work function. Its methods queue
// changes to the job's record; they are applied in order by the job's
// collector. A Reporter must not be used after the work function returns.
type Reporter struct {
	updates chan<- func(*Record)
}

// SetTotal sets the number of items the job will process.
func (r *Reporter) SetTotal(n int) {
	r.send(func(rec *Record) { rec.Progress.Total = n })
}

// Succeeded counts one item as processed successfully.
func (r *Reporter) Succeeded() {
	r.send(func(rec *Record) {
		rec.Progress.Processed++
		rec.Progress.Succeeded++
	})
}

// Failed counts one item as processed with an error.
func (r *Reporter) Failed() {
	r.send(func(rec *Record) {
		rec.Progress.Processed++
		rec.Progress.Failed++
	})
}

// Result records a per-item result and counts it by status.
func (r *Reporter) Result(res Result) {
	r.send(func(rec *Record) {
		rec.Results = append(rec.Results, res)
		rec.Progress.Processed++
		if res.Status == ResultSuccess {
			rec.Progress.Succeeded++
		} else {
			rec.Progress.Failed++
		}
	})
}

// FolderCreated counts a folder created by the job.
func (r *Reporter) FolderCreated() {
	r.send(func(rec *Record) { rec.NewFolders++ })
}

func (r *Reporter) send(fn func(*Record)) {
	if r == nil || r.updates == nil {
		return
	}
	r.updates <- fn
}
