package condmm

import (
	"fmt"
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var e Embedding
	serializer.RegisterTypedDeserializer(e.SerializerType(), DeserializeEmbedding)
}

// An Embedding maps token ids to dense vectors using an
// owned [VocabSize x EmbSize] weight matrix.
//
// Token id 0 is reserved for padding: lookups of id 0
// produce the zero vector and never contribute gradient
// signal to the matrix.
type Embedding struct {
	VocabSize int
	EmbSize   int
	Weights   *anydiff.Var
}

// NewEmbedding creates a randomly initialized Embedding.
func NewEmbedding(c anyvec.Creator, vocabSize, embSize int) *Embedding {
	data := c.MakeVector(vocabSize * embSize)
	anyvec.Rand(data, anyvec.Normal, nil)
	data.Scale(c.MakeNumeric(1 / math.Sqrt(float64(embSize))))
	return &Embedding{
		VocabSize: vocabSize,
		EmbSize:   embSize,
		Weights:   anydiff.NewVar(data),
	}
}

// DeserializeEmbedding deserializes an Embedding.
func DeserializeEmbedding(d []byte) (*Embedding, error) {
	var vocabSize serializer.Int
	var weights *anyvecsave.S
	if err := serializer.DeserializeAny(d, &vocabSize, &weights); err != nil {
		return nil, essentials.AddCtx("deserialize Embedding", err)
	}
	if vocabSize <= 0 || weights.Vector.Len()%int(vocabSize) != 0 {
		return nil, fmt.Errorf("deserialize Embedding: bad vector size")
	}
	return &Embedding{
		VocabSize: int(vocabSize),
		EmbSize:   weights.Vector.Len() / int(vocabSize),
		Weights:   anydiff.NewVar(weights.Vector),
	}, nil
}

// Embed looks up one vector per token id and returns them
// packed as a [len(ids) x EmbSize] batch.
//
// It panics if an id is out of range.
func (e *Embedding) Embed(ids []int) anydiff.Res {
	c := e.Weights.Vector.Creator()
	table := make([]int, len(ids)*e.EmbSize)
	mask := make([]float64, len(ids)*e.EmbSize)
	for i, id := range ids {
		if id < 0 || id >= e.VocabSize {
			panic(fmt.Sprintf("token id out of range: %d", id))
		}
		for j := 0; j < e.EmbSize; j++ {
			table[i*e.EmbSize+j] = id*e.EmbSize + j
			if id != 0 {
				mask[i*e.EmbSize+j] = 1
			}
		}
	}
	mapper := c.MakeMapper(e.VocabSize*e.EmbSize, table)
	rows := anydiff.Map(mapper, e.Weights)
	maskVec := c.MakeVectorData(c.MakeNumericList(mask))
	return anydiff.Mul(rows, anydiff.NewConst(maskVec))
}

// Parameters returns the embedding matrix.
func (e *Embedding) Parameters() []*anydiff.Var {
	return []*anydiff.Var{e.Weights}
}

// SerializerType returns the unique ID used to serialize
// an Embedding with the serializer package.
func (e *Embedding) SerializerType() string {
	return "github.com/unixpickle/condmm.Embedding"
}

// Serialize serializes the Embedding.
func (e *Embedding) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		serializer.Int(e.VocabSize),
		&anyvecsave.S{Vector: e.Weights.Vector},
	)
}
