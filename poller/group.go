package poller

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/reginabarzilaygroup/ark/dedupe"
	"github.com/reginabarzilaygroup/ark/dicomobj"
	"github.com/reginabarzilaygroup/ark/ingest"
	"github.com/reginabarzilaygroup/ark/ledger"
	"github.com/reginabarzilaygroup/ark/orthanc"
	"github.com/reginabarzilaygroup/ark/predictor"
	"github.com/reginabarzilaygroup/ark/report"
)

// handle runs FETCH, PROCESS and PERSIST for one event. The minimum
// instance count applies to everything the event fetched. A study-level
// event is scored as one exam; a series-level event yields one result per
// series.
func (p *Poller) handle(ctx context.Context, runID string, ev orthanc.ChangeEvent) []GroupResult {
	fail := func(err error) []GroupResult {
		log.Printf("[%s] handle %s (seq %d): %v", runID, ev.Path, ev.Seq, err)
		return []GroupResult{{Event: ev, Outcome: OutcomeFailed, Err: err}}
	}

	p.setState(StateFetch)
	refs, err := p.deps.Archive.Instances(ctx, ev.Path)
	if err != nil {
		return fail(fmt.Errorf("list instances: %w", err))
	}
	var objs []*dicomobj.ImageObject
	for i, ref := range refs {
		data, err := p.deps.Archive.InstanceFile(ctx, ref.ID)
		if err != nil {
			return fail(fmt.Errorf("download %s: %w", ref.ID, err))
		}
		obj, err := dicomobj.Parse(i, ref.ID, data)
		if err != nil {
			log.Printf("[%s] handle %s: excluding instance %s: %v", runID, ev.Path, ref.ID, err)
			continue
		}
		if p.cfg.Modality != "" && !strings.EqualFold(obj.Tags().Modality, p.cfg.Modality) {
			continue
		}
		objs = append(objs, obj)
	}
	if len(objs) == 0 {
		return []GroupResult{{Event: ev, Outcome: OutcomeSkipped}}
	}

	mod := strings.ToUpper(objs[0].Tags().Modality)
	if need := p.cfg.MinInstances[mod]; len(objs) < need {
		log.Printf("[%s] handle %s: deferred, %d of %d %s instances", runID, ev.Path, len(objs), need, mod)
		t := objs[0].Tags()
		return []GroupResult{{
			Event:            ev,
			StudyInstanceUID: t.StudyInstanceUID,
			Instances:        len(objs),
			Outcome:          OutcomeDeferred,
		}}
	}

	groups := ingest.GroupBySeries(objs)
	if p.cfg.Granularity == GranularityStudy {
		groups = ingest.GroupByStudy(objs)
	}
	var out []GroupResult
	for _, g := range groups {
		out = append(out, p.handleGroup(ctx, runID, ev, g))
	}
	return out
}

func (p *Poller) handleGroup(ctx context.Context, runID string, ev orthanc.ChangeEvent, g *ingest.Group) GroupResult {
	res := GroupResult{
		Event:             ev,
		StudyInstanceUID:  g.StudyInstanceUID,
		SeriesInstanceUID: g.SeriesInstanceUID,
		Instances:         len(g.Objects),
	}
	failed := func(err error) GroupResult {
		log.Printf("[%s] %s/%s: %v", runID, g.StudyInstanceUID, g.SeriesInstanceUID, err)
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}

	ids := make([]string, len(g.Objects))
	for i, o := range g.Objects {
		ids[i] = o.Name()
	}
	key := dedupe.Key(g.StudyInstanceUID, g.SeriesInstanceUID, ids)
	seen, err := p.deps.Dedupe.Seen(ctx, key)
	if err != nil {
		return failed(fmt.Errorf("dedupe lookup: %w", err))
	}
	if seen {
		res.Outcome = OutcomeDuplicate
		return res
	}

	p.setState(StateProcess)
	series, lookups, err := p.deps.Assembler.Assemble(g.Objects)
	for _, lf := range lookups {
		log.Printf("[%s] %s: excluded from series: %v", runID, g.SeriesInstanceUID, lf)
	}
	if err != nil {
		return failed(err)
	}
	if series.Len() == 0 {
		return failed(fmt.Errorf("no usable instances after assembly: %w", dicomobj.ErrMalformed))
	}
	outcome, err := p.deps.Scorer.Score(ctx, series, nil)
	if err != nil {
		return failed(err)
	}
	if outcome.Result == nil {
		outcome.Result = &predictor.Result{}
	}

	p.setState(StatePersist)
	now := p.now()
	tmpl := series.Template()
	rpt, err := report.Encode(tmpl, outcome.Info, outcome.Result.Scores, now)
	if err != nil {
		return failed(err)
	}
	if err := p.deps.Transmitter.Transmit(ctx, rpt); err != nil {
		return failed(err)
	}
	res.ReportUID = rpt.SOPInstanceUID

	rec := ledger.NewRecord(ledger.SourceArchive, tmpl.Tags(), outcome.Info, outcome.Result, now)
	rec.RunID = runID
	if err := p.deps.Ledger.Append(rec); err != nil {
		return failed(err)
	}
	if err := p.deps.Dedupe.Mark(ctx, key, dedupe.Entry{
		StudyInstanceUID: g.StudyInstanceUID, SeriesInstanceUID: g.SeriesInstanceUID, ReportUID: rpt.SOPInstanceUID, SeenAt: now,
	}); err != nil {
		log.Printf("[%s] %s: dedupe mark: %v", runID, g.SeriesInstanceUID, err)
	}

	if p.cfg.DeleteAfterProcessing {
		for _, id := range ids {
			if err := p.deps.Archive.DeleteInstance(ctx, id); err != nil {
				log.Printf("[%s] %s: delete instance %s: %v", runID, g.SeriesInstanceUID, id, err)
			}
		}
	}
	res.Outcome = OutcomeProcessed
	log.Printf("[%s] %s/%s: report %s sent via %s", runID, g.StudyInstanceUID, g.SeriesInstanceUID, rpt.SOPInstanceUID, p.deps.Transmitter.Name())
	return res
}
