package topic

import "testing"

func TestMatch_Literal(t *testing.T) {
	if !Match("sf/sensors/device1/temperature", "sf/sensors/device1/temperature") {
		t.Fatal("literal filter should match itself")
	}
	if Match("sf/sensors/device1/temperature", "sf/sensors/device2/temperature") {
		t.Fatal("literal filter matched a different topic")
	}
}

func TestMatch_SingleLevel(t *testing.T) {
	if !Match("sf/sensors/+/temperature", "sf/sensors/device1/temperature") {
		t.Fatal("'+' should match exactly one level")
	}
	if Match("sf/sensors/+/temperature", "sf/sensors/a/b/temperature") {
		t.Fatal("'+' must not match two levels")
	}
	if Match("sf/sensors/+", "sf/sensors") {
		t.Fatal("'+' must not match zero levels")
	}
}

func TestMatch_MultiLevel(t *testing.T) {
	if !Match("sf/sensors/#", "sf/sensors/device1/temperature") {
		t.Fatal("'#' should match remaining levels")
	}
	if !Match("#", "anything/at/all") {
		t.Fatal("'#' alone should match everything")
	}
	if Match("sf/#/temperature", "sf/sensors/temperature") {
		t.Fatal("'#' is only valid as the final token")
	}
}

func TestValid(t *testing.T) {
	for _, filter := range []string{"sf/sensors/#", "+/+/+", "a/b/c", "#"} {
		if !Valid(filter) {
			t.Fatal("expected valid:", filter)
		}
	}
	for _, filter := range []string{"", "sf/#/x", "sf/se+nsors", "a/b#"} {
		if Valid(filter) {
			t.Fatal("expected invalid:", filter)
		}
	}
}

func TestSpecificity_Ordering(t *testing.T) {
	exact := Specificity("sf/sensors/device1/temperature")
	oneWildcard := Specificity("sf/sensors/+/temperature")
	catchAll := Specificity("sf/sensors/#")

	if !(exact > oneWildcard && oneWildcard > catchAll) {
		t.Fatalf("specificity ordering broken: exact=%d wildcard=%d catchall=%d",
			exact, oneWildcard, catchAll)
	}
}

func TestSpecificity_WildcardCountDominates(t *testing.T) {
	// both match a/b/c/d, but the catch-all carries a single wildcard
	// against four and must rank higher
	if Specificity("a/#") <= Specificity("+/+/+/+") {
		t.Fatal("fewer wildcards must outrank any number of '+' tokens")
	}
}
