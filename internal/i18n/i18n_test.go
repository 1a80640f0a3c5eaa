package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	loc := NewLocalizer(lang)
	return WithLocalizer(context.Background(), loc)
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "AlreadySubmitted")
	if got != "You have already submitted this assessment." {
		t.Errorf("T(AlreadySubmitted) = %q", got)
	}
}

func TestTranslateChinese(t *testing.T) {
	ctx := initLang(t, "zh")

	got := T(ctx, "AlreadySubmitted")
	if got != "您已提交过该测评。" {
		t.Errorf("T(AlreadySubmitted) = %q", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got1 := Tp(ctx, "ImportedAssessments", 1)
	if got1 != "Imported 1 assessment." {
		t.Errorf("Tp(ImportedAssessments, 1) = %q", got1)
	}

	got5 := Tp(ctx, "ImportedAssessments", 5)
	if got5 != "Imported 5 assessments." {
		t.Errorf("Tp(ImportedAssessments, 5) = %q", got5)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "JobNotFound", map[string]any{"ID": "abc"})
	if got != "Job abc not found." {
		t.Errorf("Td(JobNotFound, ID=abc) = %q, want 'Job abc not found.'", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "NonExistentKey")
	if got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestMiddlewareLanguage(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var got string
	h := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "InternalError")
	}))

	tests := []struct {
		name   string
		target string
		accept string
		want   string
	}{
		{"default", "/", "", "Something went wrong on our side."},
		{"accept language", "/", "zh-CN,zh;q=0.9,en;q=0.8", "服务器内部错误。"},
		{"query wins", "/?lang=en", "zh-CN", "Something went wrong on our side."},
		{"unsupported falls back", "/", "fr-FR", "Something went wrong on our side."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.accept != "" {
				req.Header.Set("Accept-Language", tt.accept)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("message = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInitInvalidLanguage(t *testing.T) {
	if err := Init("not a tag!"); err == nil {
		t.Error("Init accepted an invalid language tag")
	}
}

func TestTranslateWithoutLocalizer(t *testing.T) {
	initLang(t, "zh")

	// No localizer in the context: the Init language is used.
	if got := T(context.Background(), "InternalError"); got != "服务器内部错误。" {
		t.Errorf("T without localizer = %q", got)
	}
}
