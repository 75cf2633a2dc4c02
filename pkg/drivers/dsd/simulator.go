package dsd

import (
	"context"
	"fmt"
	"sync"

	"astrodev/pkg/link"
	"astrodev/pkg/protocol/bracket"
	"astrodev/pkg/transport"
)

// Firmware simulates the controller firmware behind a transport.Pipe. A
// move advances by Rate steps every time the position or motion flag is
// queried, so tests progress deterministically with the polls.
type Firmware struct {
	mu sync.Mutex

	board   string
	version string

	Rate int

	position     int
	target       int
	moving       bool
	maxPosition  int
	maxMove      int
	speed        int
	stepMode     int
	coilsMode    int
	moveCurrent  int
	holdCurrent  int
	settle       int
	coilsTimeout int
	reverse      bool
	temperature  float64
	silent       bool
}

// NewFirmware returns a simulated controller of the given board, e.g.
// "DeepSkyDad.AF3".
func NewFirmware(board, version string) *Firmware {
	return &Firmware{
		board:        board,
		version:      version,
		Rate:         100,
		position:     50000,
		target:       50000,
		maxPosition:  100000,
		maxMove:      100000,
		speed:        3,
		stepMode:     8,
		coilsMode:    1,
		moveCurrent:  50,
		holdCurrent:  20,
		coilsTimeout: 60000,
		temperature:  15.0,
	}
}

// Dial is a link.Dialer connecting to the simulated controller.
func (f *Firmware) Dial(ctx context.Context, ep link.Endpoint, opts link.Options) (transport.Stream, error) {
	return transport.NewPipe(f.Respond), nil
}

func (f *Firmware) SetTemperature(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temperature = t
}

// SetSilent makes the firmware stop answering.
func (f *Firmware) SetSilent(silent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = silent
}

func (f *Firmware) Position() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

func (f *Firmware) Moving() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moving
}

// advance moves one simulation step toward the target. Called with mu held.
func (f *Firmware) advance() {
	if !f.moving {
		return
	}
	switch d := f.target - f.position; {
	case d > f.Rate:
		f.position += f.Rate
	case d < -f.Rate:
		f.position -= f.Rate
	default:
		f.position = f.target
		f.moving = false
	}
}

// Respond answers one request frame.
func (f *Firmware) Respond(frame []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.silent {
		return nil
	}

	verb, args, err := bracket.DecodeRequest(frame)
	if err != nil {
		return []byte("!100)")
	}
	arg := 0
	if len(args) > 0 {
		arg = args[0]
	}

	value := func(v int) []byte { return []byte(fmt.Sprintf("(%d)", v)) }
	ok := []byte("(OK)")

	switch verb {
	case "GPOS":
		f.advance()
		return value(f.position)
	case "GMOV":
		f.advance()
		if f.moving {
			return value(1)
		}
		return value(0)
	case "GMXP":
		return value(f.maxPosition)
	case "GMXM":
		return value(f.maxMove)
	case "GSPD":
		return value(f.speed)
	case "GSTP":
		return value(f.stepMode)
	case "GBUF":
		return value(f.settle)
	case "GIDC":
		return value(f.coilsTimeout)
	case "GCLM":
		return value(f.coilsMode)
	case "GCMV", "GMMM":
		return value(f.moveCurrent)
	case "GCHD", "GMHM":
		return value(f.holdCurrent)
	case "GTMC":
		return []byte(fmt.Sprintf("(%.2f)", f.temperature))
	case "GFRM":
		return []byte(fmt.Sprintf("(Board=%s, Version=%s)", f.board, f.version))

	case "STOP":
		f.moving = false
		f.target = f.position
		return nil
	case "SMOV":
		f.moving = f.target != f.position
		return nil

	case "SPOS":
		f.position = arg
		f.target = arg
		return ok
	case "STRG":
		if arg > f.maxPosition || abs(arg-f.position) > f.maxMove {
			return []byte("!101)")
		}
		f.target = arg
		return ok
	case "SREV":
		f.reverse = arg == 1
		return ok
	case "SSTP":
		if arg < 1 || arg > 256 || arg&(arg-1) != 0 {
			return []byte("!102)")
		}
		f.stepMode = arg
		return ok
	case "SMXM":
		f.maxMove = arg
		return ok
	case "SMXP":
		f.maxPosition = arg
		return ok
	case "SCLM":
		f.coilsMode = arg
		return ok
	case "SSPD":
		f.speed = arg
		return ok
	case "SCMV", "SMMM":
		f.moveCurrent = arg
		return ok
	case "SCHD", "SMHM":
		f.holdCurrent = arg
		return ok
	case "SBUF":
		f.settle = arg
		return ok
	case "SIDC":
		f.coilsTimeout = arg
		return ok
	}
	return []byte("!100)")
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
