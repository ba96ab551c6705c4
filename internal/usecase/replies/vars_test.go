package replies

import "testing"

func TestSubstitute(t *testing.T) {
	vars := VarContext{UserName: "Rahul", UserID: "123"}
	got := Substitute("Hello {user_name}! ID: {user_id}, {unknown_var}", vars)
	want := "Hello Rahul! ID: 123, {unknown_var}"
	if got != want {
		t.Fatalf("ожидали %q, получили %q", want, got)
	}
}

func TestSubstituteEmptyValue(t *testing.T) {
	got := Substitute("Привет, {user_name}!", VarContext{})
	if got != "Привет, !" {
		t.Fatalf("пустое значение должно подставляться пустой строкой, получили %q", got)
	}
}

func TestSubstituteNotRecursive(t *testing.T) {
	vars := VarContext{UserName: "{user_id}", UserID: "42"}
	got := Substitute("{user_name}", vars)
	if got != "{user_id}" {
		t.Fatalf("подставленное значение не должно сканироваться повторно, получили %q", got)
	}
}

func TestSubstituteUnclosedBrace(t *testing.T) {
	got := Substitute("hi {user_name", VarContext{UserName: "x"})
	if got != "hi {user_name" {
		t.Fatalf("незакрытый плейсхолдер должен остаться дословно, получили %q", got)
	}
}

func TestSubstituteAllVariables(t *testing.T) {
	vars := VarContext{UserName: "Ира", UserID: "7", Username: "ira", BotName: "demo_bot", BotUsername: "@demo_bot"}
	got := Substitute("{user_name} {user_id} {username} {bot_name} {bot_username}", vars)
	want := "Ира 7 ira demo_bot @demo_bot"
	if got != want {
		t.Fatalf("ожидали %q, получили %q", want, got)
	}
}
