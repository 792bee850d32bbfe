package pipeline

import "testing"

func TestParseSeedCandidates_ExtractsAllBlocks(t *testing.T) {
	narrative := `looked around the repo, found a couple of things.

<<<SEED_TASK
title: fix flaky retry test
description: the retry backoff test sleeps for real time
triage_score: 0.8
SEED_TASK>>>

some more commentary here.

<<<SEED_TASK
title: add index on tasks.status
triage_score: 0.4
SEED_TASK>>>
`
	candidates := parseSeedCandidates(narrative)
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %+v", len(candidates), candidates)
	}
	if candidates[0].Title != "fix flaky retry test" {
		t.Fatalf("unexpected title: %q", candidates[0].Title)
	}
	if candidates[0].Description != "the retry backoff test sleeps for real time" {
		t.Fatalf("unexpected description: %q", candidates[0].Description)
	}
	if candidates[0].TriageScore != 0.8 {
		t.Fatalf("unexpected triage score: %v", candidates[0].TriageScore)
	}
	if candidates[1].Title != "add index on tasks.status" {
		t.Fatalf("unexpected second title: %q", candidates[1].Title)
	}
	if candidates[1].Description != "" {
		t.Fatalf("expected empty description when omitted, got %q", candidates[1].Description)
	}
}

func TestParseSeedCandidates_NoBlocksReturnsEmpty(t *testing.T) {
	if got := parseSeedCandidates("nothing to see here"); len(got) != 0 {
		t.Fatalf("expected no candidates, got %+v", got)
	}
}

func TestParseSeedBlock_IgnoresMalformedLinesAndBadScores(t *testing.T) {
	body := "title: valid title\nnot a key value line\ntriage_score: not-a-number\n"
	c := parseSeedBlock(body)
	if c.Title != "valid title" {
		t.Fatalf("expected title parsed despite malformed sibling line, got %q", c.Title)
	}
	if c.TriageScore != 0 {
		t.Fatalf("expected unparsable triage_score to be left at zero, got %v", c.TriageScore)
	}
}
