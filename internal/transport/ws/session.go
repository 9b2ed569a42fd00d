package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nanofab.ai/internal/persistence/archive"
	"nanofab.ai/internal/persistence/indexdb"
	plog "nanofab.ai/internal/persistence/log"
	"nanofab.ai/internal/protocol"
	"nanofab.ai/internal/sim/command"
	"nanofab.ai/internal/sim/emulator"
	"nanofab.ai/internal/sim/encoding"
	"nanofab.ai/internal/sim/tuning"
)

// session is the state of one connection. Only the reader goroutine touches
// it; replies go through out to the writer goroutine.
type session struct {
	id      string
	runID   string
	problem string
	profile string

	includeGrid bool

	emu     *emulator.Emulator
	steps   *plog.StepLogger
	mirror  Uploader
	index   *indexdb.SQLiteIndex
	digest  string
	started time.Time

	finished bool
	out      chan []byte
}

func (s *Server) newSession(h protocol.HelloMsg) (*session, error) {
	cfg := emulator.Config{MaxBots: s.opts.Tuning.MaxBots, Energy: s.opts.Tuning.Energy}
	profile := s.opts.Tuning.Profile
	if profile == "" {
		profile = tuning.ProfileDefault
	}
	if h.EnergyProfile != "" {
		e, err := tuning.ProfileEnergy(h.EnergyProfile)
		if err != nil {
			return nil, err
		}
		cfg.Energy = e
		profile = h.EnergyProfile
	}
	if h.MaxBots > 0 {
		cfg.MaxBots = h.MaxBots
	}

	if h.Problem != "" {
		if s.opts.Archive == nil {
			return nil, fmt.Errorf("problem %s: %w", h.Problem, archive.ErrNotFound)
		}
		p, err := s.opts.Archive.LoadProblem(h.Problem)
		if err != nil {
			return nil, err
		}
		cfg.R, cfg.Source, cfg.Target = p.R, p.Source, p.Target
	} else {
		cfg.R = h.R
		if h.SourceRLE != "" {
			g, err := encoding.DecodeGrid(h.R, h.SourceRLE)
			if err != nil {
				return nil, fmt.Errorf("source_rle: %w", err)
			}
			cfg.Source = g
		}
		if h.TargetRLE != "" {
			g, err := encoding.DecodeGrid(h.R, h.TargetRLE)
			if err != nil {
				return nil, fmt.Errorf("target_rle: %w", err)
			}
			cfg.Target = g
		}
	}

	emu, err := emulator.New(cfg)
	if err != nil {
		return nil, err
	}

	maxQ := h.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > 64 {
		maxQ = 64
	}
	sess := &session{
		id:          uuid.NewString(),
		runID:       indexdb.NewRunID(),
		problem:     h.Problem,
		profile:     profile,
		includeGrid: h.IncludeGrid,
		emu:         emu,
		index:       s.opts.Index,
		started:     time.Now(),
		out:         make(chan []byte, maxQ),
	}
	if s.opts.LogDir != "" {
		sess.steps = plog.NewStepLogger(s.opts.LogDir, sess.runID)
		sess.mirror = s.opts.Mirror
		emu.SetObserver(sess.steps)
	}
	sess.index.RecordProblem(indexdb.ProblemRow{
		Name:        h.Problem,
		R:           emu.R(),
		SourceCells: emu.Grid().CountFull(),
		TargetCells: emu.Target().CountFull(),
	})
	return sess, nil
}

// close records an unfinished run and flushes the step log.
func (ss *session) close() {
	if !ss.finished && ss.emu.Steps() > 0 {
		ss.finish(&emulator.MalformedTrace{Step: ss.emu.Steps(), Reason: "session closed before Terminate"})
	}
	if ss.steps != nil {
		err := ss.steps.Close()
		if err == nil && ss.mirror != nil && ss.emu.Steps() > 0 {
			ss.mirror.Enqueue(ss.steps.Path())
		}
		ss.steps = nil
	}
}

// finish records the run outcome once.
func (ss *session) finish(err error) {
	if ss.finished {
		return
	}
	ss.finished = true
	row := indexdb.RunRow{
		RunID:       ss.runID,
		Problem:     ss.problem,
		TraceDigest: ss.digest,
		Profile:     ss.profile,
		Energy:      ss.emu.Energy(),
		Steps:       ss.emu.Steps(),
		OK:          err == nil,
		StartedAt:   ss.started,
	}
	if err != nil {
		row.Code = emulator.Code(err)
		row.Message = err.Error()
	}
	ss.index.RecordRun(row)
}

func (ss *session) send(ctx context.Context, v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	select {
	case ss.out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

func (ss *session) sendError(ctx context.Context, code string, err error) bool {
	return ss.send(ctx, protocol.NewError(code, err.Error()))
}

// handle processes one inbound message. It returns false when the
// connection should close.
func (ss *session) handle(ctx context.Context, msg []byte) bool {
	base, err := protocol.ValidateMessage(msg)
	if err != nil {
		return ss.sendError(ctx, protocol.ErrProtoBadRequest, err)
	}
	switch base.Type {
	case protocol.TypeStage:
		var m protocol.StageMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return ss.sendError(ctx, protocol.ErrProtoBadRequest, err)
		}
		return ss.stage(ctx, m)
	case protocol.TypeStep:
		var m protocol.StepMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return ss.sendError(ctx, protocol.ErrProtoBadRequest, err)
		}
		return ss.step(ctx, m)
	case protocol.TypeTrace:
		var m protocol.TraceMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return ss.sendError(ctx, protocol.ErrProtoBadRequest, err)
		}
		return ss.trace(ctx, m)
	}
	return ss.sendError(ctx, protocol.ErrProtoBadRequest, fmt.Errorf("unexpected %s", base.Type))
}

// unusable reports the sticky failure or halt that blocks further commands.
func (ss *session) unusable() error {
	if err := ss.emu.Err(); err != nil {
		return err
	}
	if ss.emu.Halted() {
		return emulator.ErrHalted
	}
	return nil
}

func (ss *session) stage(ctx context.Context, m protocol.StageMsg) bool {
	c, err := m.Command.ToCommand()
	if err != nil {
		return ss.sendError(ctx, protocol.ErrProtoBadRequest, err)
	}
	if err := ss.unusable(); err != nil {
		return ss.sendError(ctx, emulator.Code(err), err)
	}
	if m.CheckOnly {
		err = ss.emu.Check(m.BotID, c)
	} else {
		err = ss.emu.Stage(m.BotID, c)
	}
	reply := protocol.StagedMsg{
		Type:            protocol.TypeStaged,
		ProtocolVersion: protocol.Version,
		BotID:           m.BotID,
		Accepted:        err == nil,
		Staged:          ss.emu.StagedCount(),
		Pending:         ss.emu.Pending(),
	}
	if err != nil {
		reply.Code = emulator.Code(err)
		reply.Message = err.Error()
	}
	return ss.send(ctx, reply)
}

func (ss *session) step(ctx context.Context, m protocol.StepMsg) bool {
	if err := ss.unusable(); err != nil {
		return ss.sendError(ctx, emulator.Code(err), err)
	}
	var (
		ev  emulator.StepEvent
		err error
	)
	if len(m.Commands) > 0 {
		cmds := make([]command.Command, 0, len(m.Commands))
		for _, j := range m.Commands {
			c, err := j.ToCommand()
			if err != nil {
				return ss.sendError(ctx, protocol.ErrProtoBadRequest, err)
			}
			cmds = append(cmds, c)
		}
		ev, err = ss.emu.Step(cmds)
	} else {
		ev, err = ss.emu.RunStep()
	}
	if err != nil {
		// An incomplete staged step leaves the session usable.
		if ss.emu.Err() != nil {
			ss.finish(err)
		}
		return ss.sendError(ctx, emulator.Code(err), err)
	}
	if !ss.send(ctx, ss.state(&ev)) {
		return false
	}
	if ev.Halted {
		err := ss.emu.VerifyTarget()
		ss.finish(err)
		return ss.send(ctx, ss.result(err))
	}
	return true
}

func (ss *session) trace(ctx context.Context, m protocol.TraceMsg) bool {
	raw, err := base64.StdEncoding.DecodeString(m.Trace)
	if err != nil {
		return ss.sendError(ctx, protocol.ErrProtoBadRequest, fmt.Errorf("trace_b64: %w", err))
	}
	if err := ss.unusable(); err != nil {
		return ss.sendError(ctx, emulator.Code(err), err)
	}
	ss.digest = ss.index.RecordTrace(ss.problem, raw, "")
	_, err = ss.emu.RunTrace(raw)
	ss.finish(err)
	return ss.send(ctx, ss.result(err))
}

func (ss *session) result(err error) protocol.ResultMsg {
	r := protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		RunID:           ss.runID,
		OK:              err == nil,
		Energy:          ss.emu.Energy(),
		Steps:           ss.emu.Steps(),
	}
	if err != nil {
		r.Code = emulator.Code(err)
		r.Message = err.Error()
	}
	return r
}

func (ss *session) state(ev *emulator.StepEvent) protocol.StateMsg {
	g := ss.emu.Grid()
	st := protocol.StateMsg{
		Type:            protocol.TypeState,
		ProtocolVersion: protocol.Version,
		Step:            ss.emu.Steps(),
		Mode:            ss.emu.Mode().String(),
		Energy:          ss.emu.Energy(),
		Halted:          ss.emu.Halted(),
		Filled:          g.CountFull(),
		Bots:            []protocol.BotState{},
	}
	for _, b := range ss.emu.Bots() {
		st.Bots = append(st.Bots, protocol.BotState{
			ID:    b.ID,
			Pos:   [3]int{b.Pos.X, b.Pos.Y, b.Pos.Z},
			Seeds: append([]int{}, b.Seeds...),
		})
	}
	if ev != nil {
		st.EnergyDelta = ev.Record.EnergyDelta
		st.Spawned = ev.Spawned
		st.Merged = ev.Merged
	}
	if ss.includeGrid {
		st.GridRLE = encoding.EncodeGrid(g)
	}
	return st
}

func (ss *session) welcome() protocol.WelcomeMsg {
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       ss.id,
		Problem:         ss.problem,
		R:               ss.emu.R(),
		MaxBots:         ss.emu.MaxBots(),
		EnergyProfile:   ss.profile,
		TargetCells:     ss.emu.Target().CountFull(),
		State:           ss.state(nil),
	}
}
