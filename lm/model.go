// Package lm runs pretrained language models exported to ONNX and scores
// token sequences with them.
package lm

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

// Device names accepted by Config.Device.
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Config describes one model/tokenizer pair on disk.
type Config struct {
	OrtDLL        string
	ModelPath     string
	TokenizerPath string
	Kind          Kind
	MaxSeqLen     int
	Device        string
	DeviceID      int
}

// Model owns an ONNX Runtime session and the tokenizer that feeds it.
type Model struct {
	mu         sync.Mutex
	cfg        Config
	tk         *tokenizer.Tokenizer
	session    *ort.DynamicAdvancedSession
	inputNames []string
	outputName string
	device     string
	envHeld    bool
}

// Init loads the tokenizer and creates the inference session.
func (m *Model) Init(cfg Config) error {
	if !cfg.Kind.Valid() {
		return fmt.Errorf("unknown model kind %q", cfg.Kind)
	}
	if cfg.ModelPath == "" {
		return errors.New("model path is required")
	}
	if cfg.TokenizerPath == "" {
		return errors.New("tokenizer path is required")
	}
	if cfg.Device == "" {
		cfg.Device = DeviceAuto
	}
	tk, err := pretrained.FromFile(cfg.TokenizerPath)
	if err != nil {
		return fmt.Errorf("load tokenizer %s: %w", cfg.TokenizerPath, err)
	}
	if err := acquireEnv(cfg.OrtDLL); err != nil {
		return err
	}
	m.envHeld = true

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		m.Close()
		return fmt.Errorf("inspect model %s: %w", cfg.ModelPath, err)
	}
	inputNames := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if !supportedInput(in.Name) {
			m.Close()
			return fmt.Errorf("model input %q is not supported", in.Name)
		}
		if in.DataType != ort.TensorElementDataTypeInt64 {
			m.Close()
			return fmt.Errorf("model input %q must be int64", in.Name)
		}
		inputNames = append(inputNames, in.Name)
	}
	outputName := ""
	for _, out := range outputs {
		if out.Name == "logits" {
			outputName = out.Name
			break
		}
	}
	if outputName == "" {
		if len(outputs) == 0 {
			m.Close()
			return errors.New("model declares no outputs")
		}
		outputName = outputs[0].Name
	}

	session, device, err := newSession(cfg, inputNames, outputName)
	if err != nil {
		m.Close()
		return err
	}

	m.cfg = cfg
	m.tk = tk
	m.session = session
	m.inputNames = inputNames
	m.outputName = outputName
	m.device = device
	return nil
}

// openSession creates an ONNX Runtime session on device and reports the
// device the options resolved to.
var openSession = func(cfg Config, device string, inputNames []string, outputName string) (*ort.DynamicAdvancedSession, string, error) {
	opts, resolved, err := sessionOptions(device, cfg.DeviceID)
	if err != nil {
		return nil, "", err
	}
	defer opts.Destroy()
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, inputNames, []string{outputName}, opts)
	if err != nil {
		return nil, resolved, fmt.Errorf("create session for %s on %s: %w", cfg.ModelPath, resolved, err)
	}
	return session, resolved, nil
}

// newSession opens the model on the configured device. With DeviceAuto the
// CUDA provider can register and still fail when the session builds it, so
// that case is retried once on the CPU.
func newSession(cfg Config, inputNames []string, outputName string) (*ort.DynamicAdvancedSession, string, error) {
	session, device, err := openSession(cfg, cfg.Device, inputNames, outputName)
	if err != nil && cfg.Device == DeviceAuto && device == DeviceCUDA {
		return openSession(cfg, DeviceCPU, inputNames, outputName)
	}
	return session, device, err
}

func sessionOptions(device string, deviceID int) (*ort.SessionOptions, string, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("session options: %w", err)
	}
	switch device {
	case DeviceCPU:
		return opts, DeviceCPU, nil
	case DeviceAuto, DeviceCUDA:
	default:
		opts.Destroy()
		return nil, "", fmt.Errorf("unknown device %q", device)
	}
	if err := appendCUDA(opts, deviceID); err != nil {
		if device == DeviceCUDA {
			opts.Destroy()
			return nil, "", fmt.Errorf("enable cuda: %w", err)
		}
		return opts, DeviceCPU, nil
	}
	return opts, DeviceCUDA, nil
}

func appendCUDA(opts *ort.SessionOptions, deviceID int) error {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOpts.Destroy()
	if err := cudaOpts.Update(map[string]string{"device_id": strconv.Itoa(deviceID)}); err != nil {
		return err
	}
	return opts.AppendExecutionProviderCUDA(cudaOpts)
}

func supportedInput(name string) bool {
	switch name {
	case "input_ids", "attention_mask", "token_type_ids", "position_ids":
		return true
	}
	return false
}

// Kind returns the configured model kind.
func (m *Model) Kind() Kind { return m.cfg.Kind }

// Device reports the execution provider the session ended up on.
func (m *Model) Device() string { return m.device }

// Encode tokenizes text with the tokenizer's special tokens and truncates
// to MaxSeqLen when set.
func (m *Model) Encode(text string) ([]int, error) {
	if m.tk == nil {
		return nil, errors.New("model is not initialized")
	}
	enc, err := m.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	ids := append([]int(nil), enc.Ids...)
	if m.cfg.MaxSeqLen > 0 && len(ids) > m.cfg.MaxSeqLen {
		ids = ids[:m.cfg.MaxSeqLen]
	}
	return ids, nil
}

// Decode turns ids back into text, keeping special tokens.
func (m *Model) Decode(ids []int) string {
	if m.tk == nil {
		return ""
	}
	return m.tk.Decode(ids, false)
}

// Likelihood returns exp(-mean cross-entropy) of ids scored against
// themselves. An empty sequence has no targets and scores 0.
func (m *Model) Likelihood(ids []int) (float64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	logits, vocab, err := m.logits(ids)
	if err != nil {
		return 0, err
	}
	loss, err := MeanCrossEntropy(m.cfg.Kind, logits, vocab, ids)
	if err != nil {
		return 0, err
	}
	return Likelihood(loss), nil
}

func (m *Model) logits(ids []int) ([]float32, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, 0, errors.New("model is not initialized")
	}
	n := len(ids)
	shape := ort.NewShape(1, int64(n))
	inputs := make([]ort.Value, 0, len(m.inputNames))
	defer func() {
		for _, v := range inputs {
			_ = v.Destroy()
		}
	}()
	for _, name := range m.inputNames {
		data := make([]int64, n)
		for i := range data {
			switch name {
			case "input_ids":
				data[i] = int64(ids[i])
			case "attention_mask":
				data[i] = 1
			case "position_ids":
				data[i] = int64(i)
			}
		}
		tensor, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, 0, fmt.Errorf("input tensor %s: %w", name, err)
		}
		inputs = append(inputs, tensor)
	}

	outputs := []ort.Value{nil}
	if err := m.session.Run(inputs, outputs); err != nil {
		return nil, 0, fmt.Errorf("run %s: %w", m.cfg.ModelPath, err)
	}
	defer func() {
		if outputs[0] != nil {
			_ = outputs[0].Destroy()
		}
	}()
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, 0, fmt.Errorf("output %s is not a float32 tensor", m.outputName)
	}
	dims := out.GetShape()
	if len(dims) == 0 {
		return nil, 0, fmt.Errorf("output %s has no dimensions", m.outputName)
	}
	vocab := int(dims[len(dims)-1])
	logits := append([]float32(nil), out.GetData()...)
	return logits, vocab, nil
}

// Close releases the session and the shared environment reference.
func (m *Model) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		_ = m.session.Destroy()
		m.session = nil
	}
	m.tk = nil
	if m.envHeld {
		releaseEnv()
		m.envHeld = false
	}
}
