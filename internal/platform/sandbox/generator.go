// Package sandbox generates reproducible synthetic doctor's notes for demos,
// load tests and end-to-end checks of the intake pipeline.
package sandbox

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Config shapes a generated batch.
type Config struct {
	Count int `json:"count"`
	// Seed makes output reproducible; zero picks a time-based seed.
	Seed int64 `json:"seed"`
	// MissingDOBRate is the share of notes, between 0 and 1, written without a
	// date of birth so they are held for review.
	MissingDOBRate float64 `json:"missing_dob_rate"`
}

func DefaultConfig() Config {
	return Config{Count: 10}
}

// Medication is a generated prescription line.
type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
}

// Test is a generated lab result.
type Test struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Patient is the ground truth a note was written from.
type Patient struct {
	Name        string       `json:"name"`
	DateOfBirth string       `json:"date_of_birth,omitempty"`
	Gender      string       `json:"gender"`
	Conditions  []string     `json:"conditions"`
	Medications []Medication `json:"medications"`
	Tests       []Test       `json:"tests"`
}

// Sample pairs a patient with the note text rendered from it.
type Sample struct {
	Patient Patient `json:"patient"`
	Text    string  `json:"text"`
}

type drug struct {
	name  string
	doses []string
}

type lab struct {
	name      string
	low, high float64
	precision int
}

var (
	firstNamesMale = []string{
		"James", "Robert", "John", "Michael", "David", "William", "Richard",
		"Joseph", "Thomas", "Charles", "Daniel", "Matthew", "Anthony", "Mark",
		"Steven", "Paul", "Andrew", "Kevin", "Brian", "George", "Edward",
	}
	firstNamesFemale = []string{
		"Mary", "Patricia", "Jennifer", "Linda", "Barbara", "Elizabeth",
		"Susan", "Jessica", "Sarah", "Karen", "Lisa", "Nancy", "Margaret",
		"Sandra", "Emily", "Michelle", "Laura", "Amy", "Anna", "Helen", "Renée",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
		"Davis", "Rodriguez", "Martinez", "Wilson", "Anderson", "Taylor",
		"Moore", "Jackson", "Martin", "Lee", "Thompson", "White", "Harris",
		"Clark", "Lewis", "Walker", "Young", "Nguyen", "Okafor", "Dlamini",
	}

	conditions = []string{
		"Hypertension", "Type 2 Diabetes", "Asthma", "Hyperlipidemia",
		"Chronic Kidney Disease", "Osteoarthritis", "Hypothyroidism",
		"Atrial Fibrillation", "Major Depressive Disorder", "GERD",
		"Migraine", "Iron Deficiency Anemia", "COPD",
	}

	drugs = []drug{
		{"Lisinopril", []string{"10mg", "20 mg", "40mg"}},
		{"Metformin", []string{"500 mg", "850mg", "1000 mg"}},
		{"Atorvastatin", []string{"10mg", "20mg", "40 mg"}},
		{"Levothyroxine", []string{"50 mcg", "75mcg", "100 mcg"}},
		{"Amlodipine", []string{"5mg", "10 mg"}},
		{"Albuterol", []string{"90 mcg"}},
		{"Omeprazole", []string{"20mg", "40 mg"}},
		{"Sertraline", []string{"50mg", "100 mg"}},
		{"Insulin Glargine", []string{"10 units", "20 units"}},
		{"Apixaban", []string{"5 mg"}},
	}
	frequencies = []string{
		"daily", "twice daily", "at bedtime", "every morning",
		"three times daily", "as needed",
	}

	labs = []lab{
		{"HbA1c", 4.8, 9.5, 1},
		{"LDL Cholesterol", 60, 190, 0},
		{"Creatinine", 0.6, 2.4, 2},
		{"TSH", 0.4, 6.0, 2},
		{"Hemoglobin", 9.5, 16.5, 1},
		{"Potassium", 3.3, 5.4, 1},
	}
)

// Generator produces deterministic synthetic notes.
type Generator struct {
	rng         *rand.Rand
	missingRate float64
}

func NewGenerator(cfg Config) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{rng: rand.New(rand.NewSource(seed)), missingRate: cfg.MissingDOBRate}
}

func (g *Generator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

// pickN returns n distinct entries of pool in random order.
func (g *Generator) pickN(pool []string, n int) []string {
	if n > len(pool) {
		n = len(pool)
	}
	out := make([]string, 0, n)
	for _, i := range g.rng.Perm(len(pool))[:n] {
		out = append(out, pool[i])
	}
	return out
}

func (g *Generator) randomDate(minYear, maxYear int) string {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := 1 + g.rng.Intn(12)
	d := 1 + g.rng.Intn(28)
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

// Patient draws one synthetic patient.
func (g *Generator) Patient() Patient {
	p := Patient{Gender: "Female"}
	first := g.pick(firstNamesFemale)
	if g.rng.Intn(2) == 0 {
		p.Gender = "Male"
		first = g.pick(firstNamesMale)
	}
	p.Name = first + " " + g.pick(lastNames)
	if g.rng.Float64() >= g.missingRate {
		p.DateOfBirth = g.randomDate(1940, 2010)
	}

	p.Conditions = g.pickN(conditions, 1+g.rng.Intn(3))

	for _, i := range g.rng.Perm(len(drugs))[:1+g.rng.Intn(3)] {
		d := drugs[i]
		p.Medications = append(p.Medications, Medication{
			Name:      d.name,
			Dosage:    g.pick(d.doses),
			Frequency: g.pick(frequencies),
		})
	}

	for _, i := range g.rng.Perm(len(labs))[:g.rng.Intn(3)] {
		l := labs[i]
		v := l.low + g.rng.Float64()*(l.high-l.low)
		p.Tests = append(p.Tests, Test{Name: l.name, Value: fmt.Sprintf("%.*f", l.precision, v)})
	}
	return p
}

// Note renders p as a doctor's note in the labelled layout the notes
// classifier reads.
func Note(p Patient) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Patient Name: %s\n", p.Name)
	if p.DateOfBirth != "" {
		fmt.Fprintf(&b, "Date of Birth: %s\n", p.DateOfBirth)
	}
	fmt.Fprintf(&b, "Gender: %s\n\n", p.Gender)

	b.WriteString("Current Diagnosis:\n")
	b.WriteString(strings.Join(p.Conditions, "; "))
	b.WriteString("\n\n")

	meds := make([]string, len(p.Medications))
	for i, m := range p.Medications {
		meds[i] = strings.Join([]string{m.Name, m.Dosage, m.Frequency}, " ")
	}
	fmt.Fprintf(&b, "Medication: %s\n", strings.Join(meds, ", "))

	for _, t := range p.Tests {
		fmt.Fprintf(&b, "Test: %s %s\n", t.Name, t.Value)
	}
	b.WriteString("Notes: follow up in 3 months\n")
	return b.String()
}

// Generate draws cfg.Count samples.
func Generate(cfg Config) []Sample {
	g := NewGenerator(cfg)
	out := make([]Sample, 0, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		p := g.Patient()
		out = append(out, Sample{Patient: p, Text: Note(p)})
	}
	return out
}
