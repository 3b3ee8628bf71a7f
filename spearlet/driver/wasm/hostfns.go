package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/lfedgeai/spear/cchat"
	"github.com/lfedgeai/spear/hostapi"
)

// cchat_ctl subcommands.
const (
	cchatCtlSetParam   int32 = 0
	cchatCtlGetMetrics int32 = 1
)

func fdReader(inst *wasmInstance, fd int32) (io.Reader, int32) {
	inner, rc := inst.table.Inner(fd)
	if rc != 0 {
		return nil, rc
	}
	r, ok := inner.(io.Reader)
	if !ok {
		return nil, hostapi.EINVAL
	}
	return r, 0
}

func fdWriter(inst *wasmInstance, fd int32) (io.Writer, int32) {
	inner, rc := inst.table.Inner(fd)
	if rc != 0 {
		return nil, rc
	}
	w, ok := inner.(io.Writer)
	if !ok {
		return nil, hostapi.EINVAL
	}
	return w, 0
}

// registerHostFns exports the "spear" host module: the generic fd-table
// and epoll surface, the time/random/log family, and the three
// session-creation families (cchat_*, rtasr_*, mic_*) that mint fds
// against inst's table. Once created, session fds are also reachable
// through the generic spear_fd_read/spear_fd_write/spear_fd_ctl path,
// so SDKs can drive them either way.
func registerHostFns(b wazero.HostModuleBuilder, d *Driver, inst *wasmInstance) {
	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, fd, cmd, argPtr, argLen int32) int32 {
			return hostFdCtl(inst, mod, fd, cmd, argPtr, argLen)
		}).
		Export("spear_fd_ctl")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, fd, bufPtr, bufLen int32) int32 {
			return hostFdRead(inst, mod, fd, bufPtr, bufLen)
		}).
		Export("spear_fd_read")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, fd, bufPtr, bufLen int32) int32 {
			return hostFdWrite(inst, mod, fd, bufPtr, bufLen)
		}).
		Export("spear_fd_write")

	b.NewFunctionBuilder().
		WithFunc(func(context.Context) int32 {
			return inst.epoll.Create()
		}).
		Export("spear_epoll_create")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, epfd, op, fd, events int32) int32 {
			return inst.epoll.Ctl(epfd, hostapi.Op(op), fd, events)
		}).
		Export("spear_epoll_ctl")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, epfd, outPtr, outLenPtr, timeoutMS int32) int32 {
			return hostEpollWait(ctx, inst, mod, epfd, outPtr, outLenPtr, timeoutMS)
		}).
		Export("spear_epoll_wait")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, epfd int32) int32 {
			return inst.epoll.Close(epfd)
		}).
		Export("spear_epoll_close")

	b.NewFunctionBuilder().
		WithFunc(func(context.Context) int64 {
			return time.Now().UTC().UnixMilli()
		}).
		Export("spear_time_now_ms")

	b.NewFunctionBuilder().
		WithFunc(func(context.Context) float64 {
			return float64(time.Now().UTC().UnixNano()) / float64(time.Second)
		}).
		Export("spear_wall_time_s")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ms int32) int32 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return 0
			case <-ctx.Done():
				return hostapi.EINTR
			}
		}).
		Export("spear_sleep_ms")

	b.NewFunctionBuilder().
		WithFunc(func(context.Context) int64 {
			return rand.Int64()
		}).
		Export("spear_random_i64")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, msgPtr, msgLen int32) int32 {
			return hostLog(ctx, inst, mod, level, msgPtr, msgLen)
		}).
		Export("spear_log")

	registerChatFns(b, d, inst)
	registerRtAsrFns(b, d, inst)
	registerMicFns(b, d, inst)
}

// ---- chat session family (C10) ----

func registerChatFns(b wazero.HostModuleBuilder, d *Driver, inst *wasmInstance) {
	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) int32 {
			return hostCchatCreate(ctx, d, inst)
		}).
		Export("cchat_create")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, fd, rolePtr, roleLen, msgPtr, msgLen int32) int32 {
			sess, _, rc := chatSessionFor(d, inst, fd)
			if rc != 0 {
				return rc
			}
			role, ok := readString(mod, rolePtr, roleLen)
			if !ok {
				return hostapi.EINVAL
			}
			content, ok := readString(mod, msgPtr, msgLen)
			if !ok {
				return hostapi.EINVAL
			}
			return cchatErrno(sess.WriteMsg(cchat.Role(role), content))
		}).
		Export("cchat_write_msg")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, fd, fnOffset, jsonPtr, jsonLen int32) int32 {
			sess, _, rc := chatSessionFor(d, inst, fd)
			if rc != 0 {
				return rc
			}
			raw, ok := mod.Memory().Read(uint32(jsonPtr), uint32(jsonLen))
			if !ok {
				return hostapi.EINVAL
			}
			def, err := cchat.ParseToolDef(raw)
			if err != nil {
				return cchatErrno(err)
			}
			def.FnOffset = fnOffset
			return cchatErrno(sess.WriteFn(def))
		}).
		Export("cchat_write_fn")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, fd, cmd, argPtr, argLen int32) int32 {
			return hostCchatCtl(ctx, d, inst, mod, fd, cmd, argPtr, argLen)
		}).
		Export("cchat_ctl")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, fd, flags int32) int32 {
			_, binding, rc := chatSessionFor(d, inst, fd)
			if rc != 0 {
				return rc
			}
			if _, ok := d.chat.SendAsync(binding.sessionID, flags); !ok {
				return hostapi.EPIPE
			}
			return binding.respFd
		}).
		Export("cchat_send")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, respFd, outPtr, outLenPtr int32) int32 {
			return hostCchatRecv(inst, mod, respFd, outPtr, outLenPtr)
		}).
		Export("cchat_recv")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, fd int32) int32 {
			return hostCchatClose(d, inst, fd)
		}).
		Export("cchat_close")
}

func hostCchatCreate(ctx context.Context, d *Driver, inst *wasmInstance) int32 {
	if d.chat == nil {
		return hostapi.ENOTCONN
	}
	sessionID, sessFd, respFd := d.chat.CreateSession(inst.table)
	if d.binder != nil {
		if err := d.binder.BindSession(ctx, sessionID, inst.taskID); err != nil {
			d.chat.CloseSession(sessionID)
			inst.table.Close(sessFd)
			inst.table.Close(respFd)
			return hostapi.EACCES
		}
	}
	d.bindChatSession(sessionID, inst.id)
	inst.sessMu.Lock()
	inst.chatFds[sessFd] = chatFdBinding{sessionID: sessionID, respFd: respFd}
	inst.sessMu.Unlock()
	return sessFd
}

func chatSessionFor(d *Driver, inst *wasmInstance, fd int32) (*cchat.Session, chatFdBinding, int32) {
	if d.chat == nil {
		return nil, chatFdBinding{}, hostapi.ENOTCONN
	}
	inst.sessMu.Lock()
	binding, ok := inst.chatFds[fd]
	inst.sessMu.Unlock()
	if !ok {
		return nil, chatFdBinding{}, hostapi.EBADF
	}
	sess, ok := d.chat.Session(binding.sessionID)
	if !ok {
		return nil, chatFdBinding{}, hostapi.EBADF
	}
	return sess, binding, 0
}

// hostCchatCtl: SET_PARAM takes a JSON {"key":...,"value":...} argument;
// GET_METRICS treats (argPtr, argLen) as the variable-length output pair
// (out_ptr, out_len_ptr) per the §6 ABI convention.
func hostCchatCtl(ctx context.Context, d *Driver, inst *wasmInstance, mod api.Module, fd, cmd, argPtr, argLen int32) int32 {
	sess, binding, rc := chatSessionFor(d, inst, fd)
	if rc != 0 {
		return rc
	}
	switch cmd {
	case cchatCtlSetParam:
		var kv struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		raw, ok := mod.Memory().Read(uint32(argPtr), uint32(argLen))
		if !ok {
			return hostapi.EINVAL
		}
		if err := json.Unmarshal(raw, &kv); err != nil || kv.Key == "" {
			return hostapi.EINVAL
		}
		if isMCPParam(kv.Key) && d.binder != nil {
			if err := d.binder.SessionParam(ctx, binding.sessionID, kv.Key, kv.Value); err != nil {
				return hostapi.EACCES
			}
		}
		return cchatErrno(sess.Ctl(kv.Key, kv.Value))
	case cchatCtlGetMetrics:
		m, mrc := inst.table.GetMetrics(binding.respFd)
		if mrc != 0 {
			return mrc
		}
		data, err := json.Marshal(m)
		if err != nil {
			return hostapi.EINVAL
		}
		return writeOut(mod, argPtr, argLen, data)
	default:
		return hostapi.EINVAL
	}
}

func hostCchatRecv(inst *wasmInstance, mod api.Module, respFd, outPtr, outLenPtr int32) int32 {
	inner, rc := inst.table.Inner(respFd)
	if rc != 0 {
		return rc
	}
	snap, ok := inner.(interface {
		Snapshot() ([]byte, bool, error)
	})
	if !ok {
		return hostapi.EINVAL
	}
	buf, pending, err := snap.Snapshot()
	if pending {
		return hostapi.EAGAIN
	}
	if err != nil {
		return hostapi.EPIPE
	}
	return writeOut(mod, outPtr, outLenPtr, buf)
}

func hostCchatClose(d *Driver, inst *wasmInstance, fd int32) int32 {
	inst.sessMu.Lock()
	binding, isSession := inst.chatFds[fd]
	if isSession {
		delete(inst.chatFds, fd)
	}
	inst.sessMu.Unlock()
	if !isSession {
		// A response fd (or an already-closed session fd): close is
		// idempotent at the table level either way.
		return inst.table.Close(fd)
	}
	d.forgetChatSession(binding.sessionID)
	rc := inst.table.Close(fd)
	inst.table.Close(binding.respFd)
	return rc
}

func cchatErrno(err error) int32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, cchat.ErrAccessDenied):
		return hostapi.EACCES
	case errors.Is(err, cchat.ErrSessionClosed):
		return hostapi.EPIPE
	default:
		return hostapi.EINVAL
	}
}

func isMCPParam(key string) bool {
	return len(key) > 4 && key[:4] == "mcp."
}

// ---- realtime ASR family ----

func registerRtAsrFns(b wazero.HostModuleBuilder, d *Driver, inst *wasmInstance) {
	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) int32 {
			fd, sess := hostapi.OpenRtAsr(inst.table)
			inst.sessMu.Lock()
			inst.rtasrFds[fd] = sess
			inst.sessMu.Unlock()
			return fd
		}).
		Export("rtasr_create")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, fd, cmd, argPtr, argLen int32) int32 {
			return hostRtAsrCtl(ctx, d, inst, mod, fd, cmd, argPtr, argLen)
		}).
		Export("rtasr_ctl")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, fd, bufPtr, bufLen int32) int32 {
			sess, rc := rtasrSessionFor(inst, fd)
			if rc != 0 {
				return rc
			}
			data, ok := mod.Memory().Read(uint32(bufPtr), uint32(bufLen))
			if !ok {
				return hostapi.EINVAL
			}
			n, err := sess.Write(data)
			if err != nil {
				return writeErrno(err)
			}
			return int32(n)
		}).
		Export("rtasr_write")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, fd, bufPtr, bufLen int32) int32 {
			sess, rc := rtasrSessionFor(inst, fd)
			if rc != 0 {
				return rc
			}
			return readInto(mod, sess, bufPtr, bufLen)
		}).
		Export("rtasr_read")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, fd int32) int32 {
			inst.sessMu.Lock()
			sess, ok := inst.rtasrFds[fd]
			delete(inst.rtasrFds, fd)
			inst.sessMu.Unlock()
			if !ok {
				return inst.table.Close(fd)
			}
			return sess.Close()
		}).
		Export("rtasr_close")
}

func rtasrSessionFor(inst *wasmInstance, fd int32) (*hostapi.RtAsrSession, int32) {
	inst.sessMu.Lock()
	sess, ok := inst.rtasrFds[fd]
	inst.sessMu.Unlock()
	if !ok {
		return nil, hostapi.EBADF
	}
	return sess, 0
}

func hostRtAsrCtl(ctx context.Context, d *Driver, inst *wasmInstance, mod api.Module, fd, cmd, argPtr, argLen int32) int32 {
	sess, rc := rtasrSessionFor(inst, fd)
	if rc != 0 {
		return rc
	}
	switch hostapi.RtAsrCmd(cmd) {
	case hostapi.RtAsrCmdSetParam:
		var kv struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		raw, ok := mod.Memory().Read(uint32(argPtr), uint32(argLen))
		if !ok {
			return hostapi.EINVAL
		}
		if err := json.Unmarshal(raw, &kv); err != nil || kv.Key == "" {
			return hostapi.EINVAL
		}
		return sess.SetParam(kv.Key, kv.Value)
	case hostapi.RtAsrCmdConnect:
		if d.rtasrDial == nil {
			return hostapi.ENOTCONN
		}
		transport, err := d.rtasrDial(ctx, sess)
		if err != nil {
			return hostapi.ENOTCONN
		}
		return sess.Connect(ctx, transport)
	case hostapi.RtAsrCmdGetStatus:
		st, src := inst.table.GetStatus(fd)
		if src != 0 {
			return src
		}
		data, err := json.Marshal(st)
		if err != nil {
			return hostapi.EINVAL
		}
		return writeOut(mod, argPtr, argLen, data)
	case hostapi.RtAsrCmdShutdownWrite:
		return sess.ShutdownWrite()
	case hostapi.RtAsrCmdGetMetrics:
		data, err := json.Marshal(sess.Metrics())
		if err != nil {
			return hostapi.EINVAL
		}
		return writeOut(mod, argPtr, argLen, data)
	default:
		return hostapi.EINVAL
	}
}

// ---- mic family ----

func registerMicFns(b wazero.HostModuleBuilder, d *Driver, inst *wasmInstance) {
	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) int32 {
			fd, dev := hostapi.OpenMic(inst.table, 0)
			var stop func()
			if d.micSource != nil {
				stop = d.micSource(dev)
			}
			inst.sessMu.Lock()
			inst.micFds[fd] = micFdBinding{dev: dev, stop: stop}
			inst.sessMu.Unlock()
			return fd
		}).
		Export("mic_open")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, fd, bufPtr, bufLen int32) int32 {
			inst.sessMu.Lock()
			binding, ok := inst.micFds[fd]
			inst.sessMu.Unlock()
			if !ok {
				return hostapi.EBADF
			}
			return readInto(mod, binding.dev, bufPtr, bufLen)
		}).
		Export("mic_read")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, fd, cmd, argPtr, argLen int32) int32 {
			return hostFdCtl(inst, mod, fd, cmd, argPtr, argLen)
		}).
		Export("mic_ctl")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, fd int32) int32 {
			inst.sessMu.Lock()
			binding, ok := inst.micFds[fd]
			delete(inst.micFds, fd)
			inst.sessMu.Unlock()
			if !ok {
				return inst.table.Close(fd)
			}
			if binding.stop != nil {
				binding.stop()
			}
			return binding.dev.Close()
		}).
		Export("mic_close")
}

// ---- generic fd_ctl / read / write ----

// flagsDelta is SET_FLAGS' JSON argument: {"set": [...], "clear": [...]}
// naming the flags to flip.
type flagsDelta struct {
	Set   []string `json:"set"`
	Clear []string `json:"clear"`
}

// hostFdCtl implements spear_fd_ctl. SET_FLAGS takes a flagsDelta JSON
// argument in (argPtr, argLen). The read-back commands (GET_FLAGS,
// GET_KIND, GET_STATUS, GET_METRICS) treat (argPtr, argLen) as the
// variable-length output pair (out_ptr, out_len_ptr): on -ENOSPC the
// required length is written back, otherwise the JSON (or kind string)
// payload and its actual length.
func hostFdCtl(inst *wasmInstance, mod api.Module, fd, cmd, argPtr, argLen int32) int32 {
	switch hostapi.Cmd(cmd) {
	case hostapi.CmdSetFlags:
		raw, ok := mod.Memory().Read(uint32(argPtr), uint32(argLen))
		if !ok {
			return hostapi.EINVAL
		}
		var delta flagsDelta
		if err := json.Unmarshal(raw, &delta); err != nil {
			return hostapi.EINVAL
		}
		flags, rc := inst.table.GetFlags(fd)
		if rc != 0 {
			return rc
		}
		if rc := applyFlagNames(&flags, delta.Set, true); rc != 0 {
			return rc
		}
		if rc := applyFlagNames(&flags, delta.Clear, false); rc != 0 {
			return rc
		}
		return inst.table.SetFlags(fd, flags)
	case hostapi.CmdGetFlags:
		flags, rc := inst.table.GetFlags(fd)
		if rc != 0 {
			return rc
		}
		data, err := json.Marshal(flags)
		if err != nil {
			return hostapi.EINVAL
		}
		return writeOut(mod, argPtr, argLen, data)
	case hostapi.CmdGetKind:
		kind, rc := inst.table.GetKind(fd)
		if rc != 0 {
			return rc
		}
		return writeOut(mod, argPtr, argLen, []byte(kind))
	case hostapi.CmdGetStatus:
		st, rc := inst.table.GetStatus(fd)
		if rc != 0 {
			return rc
		}
		data, err := json.Marshal(st)
		if err != nil {
			return hostapi.EINVAL
		}
		return writeOut(mod, argPtr, argLen, data)
	case hostapi.CmdGetMetrics:
		m, rc := inst.table.GetMetrics(fd)
		if rc != 0 {
			return rc
		}
		data, err := json.Marshal(m)
		if err != nil {
			return hostapi.EINVAL
		}
		return writeOut(mod, argPtr, argLen, data)
	case hostapi.CmdClose:
		return inst.table.Close(fd)
	default:
		return hostapi.EINVAL
	}
}

func applyFlagNames(flags *hostapi.Flags, names []string, value bool) int32 {
	for _, name := range names {
		switch name {
		case "nonblock":
			flags.Nonblock = value
		case "cloexec":
			flags.Cloexec = value
		default:
			return hostapi.EINVAL
		}
	}
	return 0
}

// hostFdRead/hostFdWrite give the guest generic byte-stream access to an
// fd's inner resource, for fd kinds whose inner type implements io.Reader/
// io.Writer (chat_response is read-only from the guest's perspective,
// chat_session is write-only, matching spec.md's fd kind table).
func hostFdRead(inst *wasmInstance, mod api.Module, fd, bufPtr, bufLen int32) int32 {
	reader, rc := fdReader(inst, fd)
	if rc != 0 {
		return rc
	}
	return readInto(mod, reader, bufPtr, bufLen)
}

func readInto(mod api.Module, reader io.Reader, bufPtr, bufLen int32) int32 {
	buf := make([]byte, bufLen)
	n, err := reader.Read(buf)
	if n == 0 && err != nil {
		// Terminal conditions surface through the fd's ERR/HUP poll bits;
		// the read path just says "nothing now".
		return hostapi.EAGAIN
	}
	if !mod.Memory().Write(uint32(bufPtr), buf[:n]) {
		return hostapi.EINVAL
	}
	return int32(n)
}

func hostFdWrite(inst *wasmInstance, mod api.Module, fd, bufPtr, bufLen int32) int32 {
	writer, rc := fdWriter(inst, fd)
	if rc != 0 {
		return rc
	}
	data, ok := mod.Memory().Read(uint32(bufPtr), uint32(bufLen))
	if !ok {
		return hostapi.EINVAL
	}
	n, err := writer.Write(data)
	if err != nil {
		return writeErrno(err)
	}
	return int32(n)
}

func writeErrno(err error) int32 {
	switch {
	case errors.Is(err, hostapi.ErrAgain):
		return hostapi.EAGAIN
	case errors.Is(err, hostapi.ErrNotConnected):
		return hostapi.ENOTCONN
	case errors.Is(err, cchat.ErrAccessDenied):
		return hostapi.EACCES
	default:
		return hostapi.EPIPE
	}
}

func hostEpollWait(ctx context.Context, inst *wasmInstance, mod api.Module, epfd, outPtr, outLenPtr, timeoutMS int32) int32 {
	capBytes, ok := readI32(mod, outLenPtr)
	if !ok {
		return hostapi.EINVAL
	}
	records, needed, rc := inst.epoll.Wait(ctx, epfd, int(capBytes), time.Duration(timeoutMS)*time.Millisecond)
	if rc < 0 {
		writeI32(mod, outLenPtr, int32(needed))
		return rc
	}
	buf := hostapi.EncodeRecords(records)
	if len(buf) > 0 && !mod.Memory().Write(uint32(outPtr), buf) {
		return hostapi.EINVAL
	}
	writeI32(mod, outLenPtr, int32(len(buf)))
	return rc
}

// writeOut implements the §6 variable-length output convention: read the
// guest's capacity from *outLenPtr, write back the required length and
// return -ENOSPC if it doesn't fit, else copy the payload and its actual
// length and return the byte count.
func writeOut(mod api.Module, outPtr, outLenPtr int32, data []byte) int32 {
	capBytes, ok := readI32(mod, outLenPtr)
	if !ok {
		return hostapi.EINVAL
	}
	if int(capBytes) < len(data) {
		writeI32(mod, outLenPtr, int32(len(data)))
		return hostapi.ENOSPC
	}
	if len(data) > 0 && !mod.Memory().Write(uint32(outPtr), data) {
		return hostapi.EINVAL
	}
	writeI32(mod, outLenPtr, int32(len(data)))
	return int32(len(data))
}

func readString(mod api.Module, ptr, length int32) (string, bool) {
	b, ok := mod.Memory().Read(uint32(ptr), uint32(length))
	if !ok {
		return "", false
	}
	return string(b), true
}

func readI32(mod api.Module, ptr int32) (int32, bool) {
	v, ok := mod.Memory().ReadUint32Le(uint32(ptr))
	return int32(v), ok
}

func writeI32(mod api.Module, ptr, v int32) {
	mod.Memory().WriteUint32Le(uint32(ptr), uint32(v))
}

// hostLog writes one structured guest log line, attributed to the
// instance's currently active execution.
func hostLog(ctx context.Context, inst *wasmInstance, mod api.Module, level, msgPtr, msgLen int32) int32 {
	msg, ok := mod.Memory().Read(uint32(msgPtr), uint32(msgLen))
	if !ok {
		return hostapi.EINVAL
	}
	execID := inst.currentExecution()
	kv := []any{"instance_id", inst.id, "execution_id", execID}
	switch level {
	case 0:
		inst.logger.Debug(ctx, string(msg), kv...)
	case 2:
		inst.logger.Warn(ctx, string(msg), kv...)
	case 3:
		inst.logger.Error(ctx, string(msg), kv...)
	default:
		inst.logger.Info(ctx, string(msg), kv...)
	}
	return 0
}
