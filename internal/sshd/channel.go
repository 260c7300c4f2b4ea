package sshd

import (
	"context"
	"errors"
	"io"

	"golang.org/x/crypto/ssh"

	"github.com/amv42/honeysh/internal/event"
	"github.com/amv42/honeysh/internal/recorder"
	"github.com/amv42/honeysh/internal/session"
)

// Request payloads, RFC 4254 section 6.
type ptyRequestMsg struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type envRequestMsg struct {
	Name  string
	Value string
}

type execMsg struct {
	Command string
}

type subsystemMsg struct {
	Name string
}

type signalMsg struct {
	Signal string
}

type exitStatusMsg struct {
	Status uint32
}

// sessionChannel adapts an ssh.Channel to session.Channel.
type sessionChannel struct {
	ssh.Channel
}

func (c sessionChannel) Exit(status int) error {
	_, err := c.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: uint32(status)}))
	return err
}

// ptyState is what the client asked for before starting a shell.
type ptyState struct {
	term       string
	rows, cols int
	set        bool
}

func (c *conn) newRecorder(channelID uint32) *recorder.Recorder {
	cfg := c.srv.cfg
	return recorder.New(recorder.Options{
		Transcripts: cfg.Transcripts,
		Downloads:   cfg.Downloads,
		Sink:        cfg.Events,
		Logger:      c.logger,
		TransportID: c.id,
		SrcIP:       c.srcIP,
		ChannelID:   channelID,
		InputLimit:  cfg.InputLimit,
	})
}

// handleSession serves one "session" channel with the emulated shell. The
// session object is built when the client asks for a shell or a command,
// so env and pty requests sent earlier are applied to it.
func (c *conn) handleSession(ctx context.Context, nch ssh.NewChannel) {
	ch, reqs, err := nch.Accept()
	if err != nil {
		c.logger.Debug("accept session channel", "error", err)
		return
	}
	defer ch.Close()
	channelID := c.nextChannelID()
	logger := c.logger.With("channel", channelID)

	var (
		sess *session.Session
		done <-chan struct{}
		pty  ptyState
		env  = map[string]string{}
	)
	defer func() {
		if sess != nil {
			sess.Close("channel closed")
		}
	}()

	start := func() *session.Session {
		cfg := c.srv.cfg
		s := session.New(session.Config{
			ID:            c.id,
			SrcIP:         c.srcIP,
			User:          c.user,
			Server:        c.host,
			Registry:      cfg.Commands,
			Recorder:      c.newRecorder(channelID),
			Downloads:     cfg.Downloads,
			Events:        cfg.Events,
			Logger:        logger,
			HTTP:          cfg.HTTP,
			Env:           env,
			DownloadLimit: cfg.DownloadLimit,
			DownloadRate:  cfg.DownloadRate,
		}, sessionChannel{ch})
		if pty.set {
			s.RequestPTY(pty.term, pty.rows, pty.cols)
		}
		return s
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case req, ok := <-reqs:
			if !ok {
				return
			}
			switch req.Type {
			case "pty-req":
				var m ptyRequestMsg
				if err := ssh.Unmarshal(req.Payload, &m); err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				pty = ptyState{term: m.Term, rows: int(m.Rows), cols: int(m.Columns), set: true}
				_ = req.Reply(true, nil)

			case "window-change":
				var m windowChangeMsg
				if err := ssh.Unmarshal(req.Payload, &m); err != nil {
					continue
				}
				pty.rows, pty.cols = int(m.Rows), int(m.Columns)
				if sess != nil {
					sess.WindowResize(pty.rows, pty.cols)
				}

			case "env":
				var m envRequestMsg
				if err := ssh.Unmarshal(req.Payload, &m); err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				c.emit(event.ClientVar, map[string]any{"name": m.Name, "value": m.Value})
				if sess == nil {
					env[m.Name] = m.Value
				}
				_ = req.Reply(true, nil)

			case "shell", "exec":
				if sess != nil {
					_ = req.Reply(false, nil)
					continue
				}
				sess = start()
				if req.Type == "shell" {
					err = sess.RequestShell()
				} else {
					var m execMsg
					if err = ssh.Unmarshal(req.Payload, &m); err == nil {
						err = sess.RequestExec(m.Command)
					}
				}
				_ = req.Reply(err == nil, nil)
				if err != nil {
					logger.Debug("session request refused", "type", req.Type, "error", err)
					continue
				}
				done = sess.Done()
				go pump(ch, sess)

			case "subsystem":
				var m subsystemMsg
				_ = ssh.Unmarshal(req.Payload, &m)
				if m.Name != "sftp" || !c.srv.cfg.SFTP || sess != nil {
					logger.Info("subsystem refused", "name", m.Name)
					_ = req.Reply(false, nil)
					continue
				}
				_ = req.Reply(true, nil)
				go discardRequests(reqs)
				c.serveSFTP(ch, logger)
				return

			case "signal":
				var m signalMsg
				if err := ssh.Unmarshal(req.Payload, &m); err == nil && sess != nil && m.Signal == "INT" {
					sess.SignalInterrupt()
				}

			case "x11-req", "auth-agent-req@openssh.com":
				c.emit(event.ClientVar, map[string]any{"name": req.Type, "value": ""})
				logger.Info("forwarding request refused", "type", req.Type)
				_ = req.Reply(false, nil)

			default:
				logger.Debug("unhandled channel request", "type", req.Type)
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}
	}
}

// pump feeds channel data into the session until the client sends EOF.
func pump(ch ssh.Channel, sess *session.Session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			sess.DataIn(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				sess.Close("read error")
				return
			}
			sess.SignalEOF()
			return
		}
	}
}

func discardRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}
