// Package condmm implements a conditional multimodal
// sequence decoder: a two-stage gated recurrent step
// machine which attends over any number of encoded
// context streams, fuses the attended summaries, and
// emits a vocabulary distribution one output position at
// a time.
//
// The decoder exposes its single-step machine directly,
// so an external driver (greedy search, beam search) can
// feed its own token choices, and a teacher-forced loss
// over a full ground-truth sequence for training.
package condmm

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var d Decoder
	serializer.RegisterTypedDeserializer(d.SerializerType(), DeserializeDecoder)
}

// Options configures a Decoder.
//
// The attention options are forwarded unmodified to every
// modality's attention instance.
type Options struct {
	// InputSize is the token embedding size.
	InputSize int

	// HiddenSize is the recurrent state size.
	HiddenSize int

	// CtxSizes gives the vector width of every modality's
	// context stream, keyed by modality name.
	CtxSizes map[string]int

	// VocabSize is the output vocabulary size.
	// Token id 0 is reserved for padding.
	VocabSize int

	// FusionType selects how per-modality summaries are
	// combined: "concat" (default), "sum", or "mul".
	FusionType string

	// TiedEmb aliases the embedding matrix and the
	// vocabulary projection matrix.
	TiedEmb bool

	// DecInit selects the start state policy: "zero"
	// (default) or "mean_ctx".
	DecInit string

	// InitModality names the context stream used by the
	// "mean_ctx" policy.
	// It defaults to "txt" when present, otherwise to the
	// first modality in sorted order.
	InitModality string

	// AttType selects the attention scorer: "mlp"
	// (default) or "dot".
	AttType string

	// AttActiv is the activation inside the "mlp" scorer:
	// "tanh" (default), "sigmoid", or "relu".
	AttActiv string

	// AttBottleneck sizes the "mlp" scorer's inner layer:
	// "ctx" (default) or "hid".
	AttBottleneck string

	// DropoutOut is the dropout probability applied to
	// the output bottleneck during training.
	DropoutOut float64
}

// A Decoder is a conditional multimodal decoder.
//
// A Decoder is not safe for concurrent use: at most one
// logical forward pass may be in flight per parameter set
// at a time.
type Decoder struct {
	Opts Options

	// Modalities is the sorted modality name list, fixing
	// the fusion input order.
	Modalities []string

	Embedding  *Embedding
	Attentions map[string]Attention
	Fusion     Fusion
	InitFF     anynet.Layer
	Cell1      *GRU
	Cell2      *GRU
	Bottleneck anynet.Layer
	OutDropout *anynet.Dropout
	OutLayer   *anynet.FC
}

// New creates a Decoder from the given options.
//
// All configuration is validated here, never at first
// use: unknown policy names and inconsistent dimensions
// are construction-time errors.
func New(c anyvec.Creator, opts Options) (*Decoder, error) {
	if opts.InputSize <= 0 || opts.HiddenSize <= 0 || opts.VocabSize <= 0 {
		return nil, fmt.Errorf("new decoder: non-positive size")
	}
	if len(opts.CtxSizes) == 0 {
		return nil, fmt.Errorf("new decoder: no modalities")
	}
	modalities := make([]string, 0, len(opts.CtxSizes))
	for name, size := range opts.CtxSizes {
		if size <= 0 {
			return nil, fmt.Errorf("new decoder: non-positive size for modality %q", name)
		}
		modalities = append(modalities, name)
	}
	sort.Strings(modalities)
	if opts.DropoutOut < 0 || opts.DropoutOut >= 1 {
		return nil, fmt.Errorf("new decoder: bad dropout probability: %v",
			opts.DropoutOut)
	}

	if opts.InitModality == "" {
		if _, ok := opts.CtxSizes["txt"]; ok {
			opts.InitModality = "txt"
		} else {
			opts.InitModality = modalities[0]
		}
	}
	if _, ok := opts.CtxSizes[opts.InitModality]; !ok {
		return nil, fmt.Errorf("new decoder: unknown init modality: %q",
			opts.InitModality)
	}

	res := &Decoder{
		Opts:       opts,
		Modalities: modalities,
		Embedding:  NewEmbedding(c, opts.VocabSize, opts.InputSize),
		Attentions: map[string]Attention{},
		Cell1:      NewGRU(c, opts.InputSize, opts.HiddenSize),
		Cell2:      NewGRU(c, opts.HiddenSize, opts.HiddenSize),
		Bottleneck: anynet.Net{
			anynet.NewFC(c, opts.HiddenSize, opts.InputSize),
			anynet.Tanh,
		},
		OutDropout: &anynet.Dropout{
			Enabled:  opts.DropoutOut > 0,
			KeepProb: 1 - opts.DropoutOut,
		},
		OutLayer: anynet.NewFC(c, opts.InputSize, opts.VocabSize),
	}

	inSizes := make([]int, len(modalities))
	for i, name := range modalities {
		att, err := newAttention(c, &opts, opts.CtxSizes[name])
		if err != nil {
			return nil, essentials.AddCtx("new decoder", err)
		}
		res.Attentions[name] = att
		inSizes[i] = opts.CtxSizes[name]
	}

	fusion, err := NewFusion(c, opts.FusionType, inSizes, opts.HiddenSize)
	if err != nil {
		return nil, essentials.AddCtx("new decoder", err)
	}
	res.Fusion = fusion

	switch opts.DecInit {
	case "", "zero":
	case "mean_ctx":
		res.InitFF = anynet.Net{
			anynet.NewFC(c, opts.CtxSizes[opts.InitModality], opts.HiddenSize),
			anynet.Tanh,
		}
	default:
		return nil, fmt.Errorf("new decoder: unknown init policy: %q", opts.DecInit)
	}

	if opts.TiedEmb {
		res.OutLayer.Weights = res.Embedding.Weights
	}

	return res, nil
}

// DeserializeDecoder deserializes a Decoder.
func DeserializeDecoder(d []byte) (*Decoder, error) {
	var optsData, payload serializer.Bytes
	if err := serializer.DeserializeAny(d, &optsData, &payload); err != nil {
		return nil, essentials.AddCtx("deserialize Decoder", err)
	}
	var opts Options
	if err := json.Unmarshal(optsData, &opts); err != nil {
		return nil, essentials.AddCtx("deserialize Decoder", err)
	}
	modalities := make([]string, 0, len(opts.CtxSizes))
	for name := range opts.CtxSizes {
		modalities = append(modalities, name)
	}
	sort.Strings(modalities)

	res := &Decoder{
		Opts:       opts,
		Modalities: modalities,
		Attentions: map[string]Attention{},
	}
	atts := make([]Attention, len(modalities))
	var bottleneck anynet.Net
	dests := []interface{}{&res.Embedding}
	for i := range atts {
		dests = append(dests, &atts[i])
	}
	dests = append(dests, &res.Fusion, &res.Cell1, &res.Cell2, &bottleneck,
		&res.OutDropout, &res.OutLayer)
	var initFF anynet.Net
	if opts.DecInit == "mean_ctx" {
		dests = append(dests, &initFF)
	}
	if err := serializer.DeserializeAny(payload, dests...); err != nil {
		return nil, essentials.AddCtx("deserialize Decoder", err)
	}
	for i, name := range modalities {
		res.Attentions[name] = atts[i]
	}
	res.Bottleneck = bottleneck
	if opts.DecInit == "mean_ctx" {
		res.InitFF = initFF
	}
	if opts.TiedEmb {
		res.OutLayer.Weights = res.Embedding.Weights
	}
	return res, nil
}

// Start produces the start state for a decoding pass,
// shaped as one hidden vector per sequence.
//
// Under the "zero" policy the state is a constant zero
// vector with no gradient path.
// Under the "mean_ctx" policy it is a projection of the
// masked mean of the init modality's context, so padding
// never dilutes the average.
func (d *Decoder) Start(ctxs ContextMap) anydiff.Res {
	ctx := d.context(ctxs, d.Opts.InitModality)
	if d.InitFF == nil {
		c := ctx.Data.Output().Creator()
		return anydiff.NewConst(c.MakeVector(ctx.Batch * d.Opts.HiddenSize))
	}
	return d.InitFF.Apply(ctx.MeanValid(), ctx.Batch)
}

// Step runs one decoding step.
//
// It takes the embedding of the previously produced
// token and the current hidden state, and returns the
// negated vocabulary log-probabilities together with the
// new hidden state.
// Step is a pure function of its inputs; the hidden state
// is threaded explicitly.
func (d *Decoder) Step(ctxs ContextMap, prevEmb, h anydiff.Res) (anydiff.Res, anydiff.Res) {
	c := h.Output().Creator()
	if h.Output().Len()%d.Opts.HiddenSize != 0 {
		panic("bad hidden state size")
	}
	n := h.Output().Len() / d.Opts.HiddenSize
	if prevEmb.Output().Len() != n*d.Opts.InputSize {
		panic("batch size mismatch")
	}

	h1 := d.Cell1.Apply(prevEmb, h, n)

	summaries := make([]anydiff.Res, len(d.Modalities))
	for i, name := range d.Modalities {
		ctx := d.context(ctxs, name)
		if ctx.Batch != n {
			panic("batch size mismatch")
		}
		if ctx.Size != d.Opts.CtxSizes[name] {
			panic(fmt.Sprintf("context width mismatch for modality %q", name))
		}
		_, summaries[i] = d.Attentions[name].Apply(h1, ctx)
	}

	fused := d.Fusion.Fuse(summaries, n)
	if fused.Output().Len() != n*d.Opts.HiddenSize {
		panic("fusion output width mismatch")
	}

	h2 := d.Cell2.Apply(fused, h1, n)

	out := d.Bottleneck.Apply(h2, n)
	out = d.OutDropout.Apply(out, n)
	logits := d.OutLayer.Apply(out, n)
	nlp := anydiff.Scale(anydiff.LogSoftmax(logits, d.Opts.VocabSize),
		c.MakeNumeric(-1))
	return nlp, h2
}

// Parameters returns every parameter of the decoder.
//
// A tied embedding/projection matrix is listed once.
func (d *Decoder) Parameters() []*anydiff.Var {
	var res []*anydiff.Var
	seen := map[*anydiff.Var]bool{}
	add := func(vars []*anydiff.Var) {
		for _, v := range vars {
			if !seen[v] {
				seen[v] = true
				res = append(res, v)
			}
		}
	}
	add(d.Embedding.Parameters())
	for _, name := range d.Modalities {
		add(d.Attentions[name].Parameters())
	}
	add(d.Fusion.Parameters())
	add(d.Cell1.Parameters())
	add(d.Cell2.Parameters())
	for _, l := range []anynet.Layer{d.InitFF, d.Bottleneck, d.OutLayer} {
		if p, ok := l.(anynet.Parameterizer); ok {
			add(p.Parameters())
		}
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a Decoder with the serializer package.
func (d *Decoder) SerializerType() string {
	return "github.com/unixpickle/condmm.Decoder"
}

// Serialize serializes the Decoder.
func (d *Decoder) Serialize() ([]byte, error) {
	optsData, err := json.Marshal(d.Opts)
	if err != nil {
		return nil, essentials.AddCtx("serialize Decoder", err)
	}
	objs := []interface{}{d.Embedding}
	for _, name := range d.Modalities {
		objs = append(objs, d.Attentions[name])
	}
	objs = append(objs, d.Fusion, d.Cell1, d.Cell2, d.Bottleneck.(anynet.Net),
		d.OutDropout, d.OutLayer)
	if d.InitFF != nil {
		objs = append(objs, d.InitFF.(anynet.Net))
	}
	payload, err := serializer.SerializeAny(objs...)
	if err != nil {
		return nil, essentials.AddCtx("serialize Decoder", err)
	}
	return serializer.SerializeAny(serializer.Bytes(optsData),
		serializer.Bytes(payload))
}

func (d *Decoder) context(ctxs ContextMap, name string) *Context {
	ctx, ok := ctxs[name]
	if !ok {
		panic(fmt.Sprintf("missing modality: %q", name))
	}
	return ctx
}
