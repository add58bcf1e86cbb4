package device

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// PulseStreamerPort is the TCP port of the instrument's JSON-RPC service.
const PulseStreamerPort = 8050

// analogScale converts volts to the instrument's signed 16-bit DAC codes.
const analogScale = 0x7fff

// PulseStreamer is a Handle speaking JSON-RPC 2.0 over HTTP to a Pulse
// Streamer 8/2 instrument.
type PulseStreamer struct {
	url    string
	serial string
	client *http.Client
	caps   Capabilities
	nextID int64
	sync.Mutex
}

// DialPulseStreamer opens the instrument at address (a host, host:port, or
// full http URL) and verifies that it answers by reading its serial number.
func DialPulseStreamer(ctx context.Context, address string) (*PulseStreamer, error) {
	ps := &PulseStreamer{
		url:    rpcURL(address),
		client: &http.Client{Timeout: 5 * time.Second},
		caps:   DefaultCapabilities,
	}
	if err := ps.call(ctx, "getSerial", []any{}, &ps.serial); err != nil {
		return nil, fmt.Errorf("no Pulse Streamer at %s: %w", address, err)
	}
	return ps, nil
}

func rpcURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return address
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, fmt.Sprint(PulseStreamerPort))
	}
	return fmt.Sprintf("http://%s/json-rpc", address)
}

// Serial returns the serial number reported at connection time.
func (ps *PulseStreamer) Serial() string {
	return ps.serial
}

// Capabilities returns the 8 digital / 2 analog outputs of the instrument.
func (ps *PulseStreamer) Capabilities() Capabilities {
	return ps.caps
}

// Stream uploads seq and starts playing it nRuns times (Indefinite for ever),
// leaving the outputs at final afterwards.
func (ps *PulseStreamer) Stream(ctx context.Context, seq *Sequence, nRuns int64, final OutputState) error {
	if err := checkSequence(seq, ps.caps); err != nil {
		return err
	}
	encoded, err := EncodeSequence(seq)
	if err != nil {
		return err
	}
	return ps.call(ctx, "stream", []any{encoded, nRuns, encodeState(final)}, nil)
}

// ForceFinal stops the stream and applies its final state.
func (ps *PulseStreamer) ForceFinal(ctx context.Context) error {
	return ps.call(ctx, "forceFinal", []any{}, nil)
}

// Constant stops the stream and holds every output at state.
func (ps *PulseStreamer) Constant(ctx context.Context, state OutputState) error {
	if err := checkAnalogRange(state.Analog, ps.caps); err != nil {
		return err
	}
	return ps.call(ctx, "constant", []any{encodeState(state)}, nil)
}

// HasFinished asks the instrument whether the stream has ended.
func (ps *PulseStreamer) HasFinished(ctx context.Context) (bool, error) {
	var finished bool
	err := ps.call(ctx, "hasFinished", []any{}, &finished)
	return finished, err
}

// Close releases idle HTTP connections. The instrument itself keeps streaming.
func (ps *PulseStreamer) Close() error {
	ps.client.CloseIdleConnections()
	return nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("pulse streamer error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (ps *PulseStreamer) call(ctx context.Context, method string, params []any, result any) error {
	ps.Lock()
	ps.nextID++
	id := ps.nextID
	ps.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ps.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: HTTP %s: %s", method, resp.Status, strings.TrimSpace(string(msg)))
	}
	var reply rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("%s: bad reply: %w", method, err)
	}
	if reply.Error != nil {
		return fmt.Errorf("%s: %w", method, reply.Error)
	}
	if reply.ID != id {
		return fmt.Errorf("%s: reply id %d, want %d", method, reply.ID, id)
	}
	if result == nil || len(reply.Result) == 0 {
		return nil
	}
	return json.Unmarshal(reply.Result, result)
}

// EncodeSequence packs seq into the instrument's wire format: one big-endian
// record (uint32 duration ns, uint8 digital mask, int16 ao0, int16 ao1) per
// pulse, base64 encoded. Pulses longer than a uint32 are split, and masks
// wider than MaxDigitalChannels are an error.
func EncodeSequence(seq *Sequence) (string, error) {
	buf := new(bytes.Buffer)
	for i, p := range seq.Pulses {
		if p.Digital>>MaxDigitalChannels != 0 {
			return "", fmt.Errorf("pulse %d digital mask 0x%x does not fit %d channels", i, p.Digital, MaxDigitalChannels)
		}
		ao0, ao1 := analogCodes(p.Analog)
		for remaining := p.Duration; remaining > 0; {
			chunk := remaining
			if chunk > math.MaxUint32 {
				chunk = math.MaxUint32
			}
			record := struct {
				Ticks   uint32
				Digital uint8
				AO0     int16
				AO1     int16
			}{uint32(chunk), uint8(p.Digital), ao0, ao1}
			if err := binary.Write(buf, binary.BigEndian, record); err != nil {
				return "", err
			}
			remaining -= chunk
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func analogCodes(levels []float64) (int16, int16) {
	var codes [2]int16
	for i := 0; i < len(levels) && i < 2; i++ {
		codes[i] = int16(math.Round(levels[i] * analogScale))
	}
	return codes[0], codes[1]
}

func encodeState(s OutputState) []any {
	ao0, ao1 := analogCodes(s.Analog)
	return []any{s.Digital & 0xff, ao0, ao1}
}
