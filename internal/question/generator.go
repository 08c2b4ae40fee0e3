package question

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/victornm/mathrush/internal/domain"
)

// Problem is a generated problem text and its answer key.
type Problem struct {
	Text   string
	Answer int64
}

// Generator produces arithmetic problems. It is a pure function of its random source.
type Generator struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewGenerator uses src, or a randomly seeded source when src is nil.
func NewGenerator(src rand.Source) *Generator {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Generator{r: rand.New(src)}
}

func (g *Generator) Generate(d domain.Difficulty) Problem {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch d {
	case domain.DifficultyMedium:
		return g.medium()
	case domain.DifficultyHard:
		return g.hard()
	default:
		return g.easy()
	}
}

func (g *Generator) easy() Problem {
	a, b := g.between(1, 20), g.between(1, 20)

	switch g.between(0, 2) {
	case 0:
		return problem(fmt.Sprintf("%d + %d", a, b), a+b)
	case 1:
		if a < b {
			a, b = b, a
		}
		return problem(fmt.Sprintf("%d - %d", a, b), a-b)
	default:
		return problem(fmt.Sprintf("%d * %d", a, b), a*b)
	}
}

func (g *Generator) medium() Problem {
	switch g.between(0, 2) {
	case 0:
		a, b := g.between(10, 25), g.between(10, 25)
		return problem(fmt.Sprintf("%d * %d", a, b), a*b)
	case 1:
		quotient, divisor := g.between(2, 12), g.between(2, 12)
		return problem(fmt.Sprintf("%d / %d", quotient*divisor, divisor), quotient)
	default:
		base, exp := g.between(2, 10), g.between(2, 4)
		answer := int64(1)
		for i := int64(0); i < exp; i++ {
			answer *= base
		}
		return problem(fmt.Sprintf("%d^%d", base, exp), answer)
	}
}

func (g *Generator) hard() Problem {
	if g.between(0, 1) == 0 {
		a, b, c := g.between(2, 12), g.between(2, 12), g.between(1, 20)
		return problem(fmt.Sprintf("(%d * %d) + %d", a, b, c), a*b+c)
	}

	b, c := g.between(2, 9), g.between(2, 9)
	inner := b * c
	a := g.between(inner+1, inner+50)
	return problem(fmt.Sprintf("%d - (%d * %d)", a, b, c), a-inner)
}

// between returns a uniform value in [lo, hi].
func (g *Generator) between(lo, hi int64) int64 {
	return lo + g.r.Int64N(hi-lo+1)
}

func problem(text string, answer int64) Problem {
	return Problem{Text: text, Answer: answer}
}

func (p Problem) answerKey() string {
	return strconv.FormatInt(p.Answer, 10)
}
