package nats

import (
	"reflect"
	"testing"

	"github.com/capitalize-ai/messaging/internal/backend"
	"github.com/capitalize-ai/messaging/internal/model"
)

func TestSubject(t *testing.T) {
	got := Subject("user.with*dots", model.TableMessages, model.OpInsert)
	want := "feed.user_with_dots.messages.INSERT"
	if got != want {
		t.Errorf("Subject() = %q, want %q", got, want)
	}
}

func TestFilterSubjects(t *testing.T) {
	all := FilterSubjects(backend.Filter{UserID: "bob"})
	if !reflect.DeepEqual(all, []string{"feed.bob.>"}) {
		t.Errorf("FilterSubjects(all) = %v", all)
	}

	some := FilterSubjects(backend.Filter{UserID: "bob", Tables: []model.Table{model.TableMessages, model.TableConversations}})
	want := []string{"feed.bob.messages.>", "feed.bob.conversations.>"}
	if !reflect.DeepEqual(some, want) {
		t.Errorf("FilterSubjects(tables) = %v, want %v", some, want)
	}
}
