package store

// User is the author of an attempt.
type User struct {
	Login    string
	Username string
}

// Problem describes one task: where its tests live and how to judge them.
type Problem struct {
	ID          int64
	Name        string
	Path        string // relative to the problems root
	TimeLimit   int64  // milliseconds
	MemoryLimit int64  // megabytes
	Checker     string // shell-word command string
	MaskIn      string // printf pattern for input files, e.g. "%02d.in"
	MaskOut     string // printf pattern for answer files; empty = no answers
}

// Contest carries the scoring mode: school contests run every test and
// score 100*passed/total, competitive contests stop at the first failure.
type Contest struct {
	ID       int64
	IsSchool bool
}

// ProblemInContest is the join entity giving a problem its display number
// within a contest.
type ProblemInContest struct {
	Problem Problem
	Contest Contest
	Number  int64
}

// Compiler names the toolchain pair an attempt must be built and run with.
type Compiler struct {
	Name           string
	Codename       string
	RunnerCodename string
}

// Attempt is one claimed submission, hydrated with everything the judging
// pipeline needs.
type Attempt struct {
	ID       int64
	Source   string
	PIC      ProblemInContest
	User     User
	Compiler Compiler
}
