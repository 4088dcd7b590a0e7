package node

import (
	"fmt"
	"time"

	"difs/manifest"
	"difs/ndn/name"
	"difs/ndn/packet"
	"difs/store"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// insertJob pulls one published file into the store. All fields are
// mutated on the dispatcher; the singleflight goroutine only waits for the
// completion channel.
type insertJob struct {
	name     string
	pid      uint64
	total    uint64 // 0 until the manifest arrives
	inserted uint64
	done     bool
	err      error

	retries  map[uint64]int
	finished chan error
}

// startInsert begins (or joins) the pull of a published file. Repeated
// insert commands for the same name share one running job and get the same
// process id back.
func (n *Node) startInsert(fileURI string) *insertJob {
	if job, ok := n.jobsByName[fileURI]; ok && !job.done {
		return job
	}

	n.nextPid++
	job := &insertJob{
		name:     fileURI,
		pid:      n.nextPid,
		retries:  make(map[uint64]int),
		finished: make(chan error, 1),
	}
	n.jobsByName[fileURI] = job
	n.jobsByPid[job.pid] = job
	log.Infof("node: insert %s, process id %d", fileURI, job.pid)

	n.pullManifest(job)
	go n.flight.Do(fileURI, func() (any, error) {
		err := <-job.finished
		return nil, err
	})

	return job
}

func (job *insertJob) finish(err error) {
	if job.done {
		return
	}
	job.done = true
	job.err = err
	job.finished <- err
}

// pullManifest asks the publisher for the file's manifest, then starts the
// windowed segment pull.
func (n *Node) pullManifest(job *insertJob) {
	fileName, err := name.FromURI(job.name)
	if err != nil {
		job.finish(fmt.Errorf("bad file name %q: %w", job.name, err))
		return
	}
	req := &packet.Request{
		Name:        fileName,
		MustBeFresh: true,
		Lifetime:    n.opts.PullLifetime,
	}
	n.ep.ExpressRequest(req,
		func(_ *packet.Request, d *packet.Response) {
			m, err := manifest.FromJSON(d.Content)
			if err != nil {
				job.finish(fmt.Errorf("manifest for %s: %w", job.name, err))
				return
			}
			job.total = m.End + 1
			if err := n.saveProgress(job); err != nil {
				job.finish(err)
				return
			}
			log.Debugf("node: pulling %s, %d segments", job.name, job.total)
			top := n.opts.PullWindow - 1
			if top > m.End {
				top = m.End
			}
			for idx := uint64(0); idx <= top; idx++ {
				n.pullSegment(job, fileName, idx)
			}
		},
		func(_ *packet.Request, nack *packet.Nack) {
			job.finish(fmt.Errorf("manifest for %s nacked: %s", job.name, nack.Reason))
		},
		func(*packet.Request) {
			job.finish(fmt.Errorf("manifest for %s timed out", job.name))
		})
}

func (n *Node) pullSegment(job *insertJob, fileName name.Name, idx uint64) {
	req := &packet.Request{
		Name:        fileName.AppendSegment(idx),
		MustBeFresh: true,
		Lifetime:    n.opts.PullLifetime,
	}
	n.ep.ExpressRequest(req,
		func(_ *packet.Request, d *packet.Response) { n.storeSegment(job, fileName, idx, d) },
		func(_ *packet.Request, nack *packet.Nack) {
			n.retrySegment(job, fileName, idx, fmt.Sprintf("nack: %s", nack.Reason))
		},
		func(*packet.Request) { n.retrySegment(job, fileName, idx, "timeout") })
}

func (n *Node) retrySegment(job *insertJob, fileName name.Name, idx uint64, cause string) {
	if job.done {
		return
	}
	if job.retries[idx] < n.opts.MaxRetry {
		job.retries[idx]++
		log.Infof("node: pull %s segment %d lost (%s), retry %d/%d",
			job.name, idx, cause, job.retries[idx], n.opts.MaxRetry)
		n.pullSegment(job, fileName, idx)
		return
	}
	job.finish(fmt.Errorf("pull %s segment %d: unreachable after %d retries", job.name, idx, n.opts.MaxRetry))
}

func (n *Node) storeSegment(job *insertJob, fileName name.Name, idx uint64, d *packet.Response) {
	if job.done {
		return
	}
	raw, err := cbor.Marshal(d)
	if err != nil {
		job.finish(fmt.Errorf("encode segment %d of %s: %w", idx, job.name, err))
		return
	}
	b := store.NewBlock(raw)
	if _, err := n.blocks.Put(b); err != nil {
		job.finish(fmt.Errorf("store segment %d of %s: %w", idx, job.name, err))
		return
	}
	if err := n.index.PutSegment(job.name, idx, b.Oid); err != nil {
		job.finish(fmt.Errorf("index segment %d of %s: %w", idx, job.name, err))
		return
	}

	job.inserted++
	if err := n.saveProgress(job); err != nil {
		job.finish(err)
		return
	}

	if idx%n.opts.PullWindow == n.opts.PullWindow-1 && idx < job.total-1 {
		top := idx + n.opts.PullWindow
		if top > job.total-1 {
			top = job.total - 1
		}
		for next := idx + 1; next <= top; next++ {
			n.pullSegment(job, fileName, next)
		}
	}

	if job.inserted >= job.total {
		log.Infof("node: insert %s complete, %d segments", job.name, job.total)
		job.finish(nil)
	}
}

func (n *Node) saveProgress(job *insertJob) error {
	rec, err := n.index.GetFile(job.name)
	if err != nil {
		rec = nil
	}
	if rec == nil {
		rec = &store.FileRecord{Name: job.name}
	}
	rec.Segments = job.total
	rec.Inserted = job.inserted
	rec.ProcessID = job.pid
	rec.UpdateTime = time.Now()
	return n.index.PutFile(rec)
}
