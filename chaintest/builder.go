package chaintest

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// GenesisName is the name the builder gives the rules' genesis block.
const GenesisName = "G"

// Builder creates named blocks so tests can describe a block tree as
// "A on G with work 10".
type Builder struct {
	rules  *Rules
	blocks map[string]*wire.MsgBlock
	names  map[chainhash.Hash]string
	tag    uint32
}

// NewBuilder returns a builder seeded with the genesis block of r.
func NewBuilder(r *Rules) *Builder {
	b := &Builder{
		rules:  r,
		blocks: make(map[string]*wire.MsgBlock),
		names:  make(map[chainhash.Hash]string),
	}
	b.register(GenesisName, r.GenesisBlock())

	return b
}

func (b *Builder) register(name string, block *wire.MsgBlock) {
	b.blocks[name] = block
	b.names[block.BlockHash()] = name
}

// Block creates a block called name on top of parent contributing work.
func (b *Builder) Block(name, parent string, work uint32) *wire.MsgBlock {
	if _, ok := b.blocks[name]; ok {
		panic(fmt.Sprintf("block %q already built", name))
	}

	b.tag++
	block := NewBlock(b.Hash(parent), work, b.tag)
	b.register(name, block)

	return block
}

// Get returns the block called name.
func (b *Builder) Get(name string) *wire.MsgBlock {
	block, ok := b.blocks[name]
	if !ok {
		panic(fmt.Sprintf("unknown block %q", name))
	}

	return block
}

// Hash returns the hash of the block called name.
func (b *Builder) Hash(name string) chainhash.Hash {
	return b.Get(name).BlockHash()
}

// Hashes maps names to hashes.
func (b *Builder) Hashes(names ...string) []chainhash.Hash {
	hashes := make([]chainhash.Hash, len(names))
	for i, name := range names {
		hashes[i] = b.Hash(name)
	}

	return hashes
}

// Name returns the name of a built block, or the hash itself if unknown.
func (b *Builder) Name(hash chainhash.Hash) string {
	if name, ok := b.names[hash]; ok {
		return name
	}

	return hash.String()
}

// Names maps hashes back to names.
func (b *Builder) Names(hashes []chainhash.Hash) []string {
	names := make([]string, len(hashes))
	for i, h := range hashes {
		names[i] = b.Name(h)
	}

	return names
}

// CallNames renders recorded calls as "apply B", "undo C" and so on.
func (b *Builder) CallNames(calls []Call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = fmt.Sprintf("%s %s", c.Op, b.Name(c.Hash))
	}

	return out
}

// PathState returns the state whose applied path is the named blocks.
func (b *Builder) PathState(names ...string) *PathState {
	return &PathState{Path: b.Hashes(names...)}
}
