// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package translate fans a source text out to every requested target
// language, trying providers in priority order per call: OpenAI, then
// Google Cloud Translate, then DeepL, then LibreTranslate, each
// stepping down to the next on failure. LibreTranslate itself falls
// back to a local placeholder string so a call never errors outright.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cnyy99/giggle-worker/internal/diagnostics"
	"github.com/cnyy99/giggle-worker/pkg/log"
	"golang.org/x/time/rate"
)

// ErrCancelled is returned when a translation run is abandoned because
// its task was cancelled mid-flight.
var ErrCancelled = errors.New("translate: task was cancelled")

// CancelledChecker reports whether a task id has been cancelled.
type CancelledChecker func(taskID string) bool

// Config holds the provider credentials and endpoints. An empty API key
// disables that provider, falling through to the next one; an empty
// DeepLAPIURL or LibreTranslateURL falls back to the public endpoint.
type Config struct {
	OpenAIAPIKey        string
	GoogleAPIKey        string
	DeepLAPIKey         string
	DeepLAPIURL         string
	LibreTranslateURL   string
	RequestsPerSecond   float64
}

// Router translates text into one or more target languages, applying
// a per-provider rate limit so a burst of tasks cannot overrun a
// provider's own request quota.
type Router struct {
	cfg    Config
	client *http.Client

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New builds a Router. A zero RequestsPerSecond disables throttling.
func New(cfg Config) *Router {
	return &Router{
		cfg:      cfg,
		client:   &http.Client{Timeout: 60 * time.Second},
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *Router) limiterFor(provider string) *rate.Limiter {
	if r.cfg.RequestsPerSecond <= 0 {
		return nil
	}

	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()
	l, ok := r.limiters[provider]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.cfg.RequestsPerSecond), 1)
		r.limiters[provider] = l
	}
	return l
}

func (r *Router) wait(ctx context.Context, provider string) error {
	if l := r.limiterFor(provider); l != nil {
		return l.Wait(ctx)
	}
	return nil
}

// Translate translates text from sourceLang into every language in
// targetLangs (skipping sourceLang itself), returning a map keyed by
// language code that always also contains text under sourceLang. A
// per-target provider failure is recorded as an
// "[Translation Error: ...]" string rather than failing the whole
// call; only cancellation aborts early.
func (r *Router) Translate(ctx context.Context, taskID, text, sourceLang string, targetLangs []string, cancelled CancelledChecker) (map[string]string, error) {
	if cancelled != nil && cancelled(taskID) {
		return nil, ErrCancelled
	}

	type result struct {
		lang string
		text string
		err  error
	}

	var wg sync.WaitGroup
	results := make(chan result, len(targetLangs))

	for _, target := range targetLangs {
		if target == sourceLang {
			continue
		}
		target := target
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cancelled != nil && cancelled(taskID) {
				results <- result{lang: target, err: ErrCancelled}
				return
			}
			translated, err := r.translateSingle(ctx, text, sourceLang, target)
			results <- result{lang: target, text: translated, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]string)
	for res := range results {
		if res.err != nil {
			if errors.Is(res.err, ErrCancelled) {
				return nil, ErrCancelled
			}
			log.Errorf("translate: %s -> %s failed: %v", sourceLang, res.lang, res.err)
			out[res.lang] = fmt.Sprintf("[Translation Error: %s]", res.err.Error())
			continue
		}
		out[res.lang] = res.text
	}

	if cancelled != nil && cancelled(taskID) {
		return nil, ErrCancelled
	}

	out[sourceLang] = text
	return out, nil
}

// observeProviderCall records a provider call's outcome and latency.
// Called via defer with the address of the calling function's named
// error return, so it sees the final error after the function body runs.
func observeProviderCall(provider string, start time.Time, errp *error) {
	outcome := "success"
	if *errp != nil {
		outcome = "failure"
	}
	diagnostics.TranslationCalls.WithLabelValues(provider, outcome).Inc()
	diagnostics.TranslationDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// translateSingle walks the provider chain for one language pair.
func (r *Router) translateSingle(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if r.cfg.OpenAIAPIKey != "" {
		translated, err := r.translateOpenAI(ctx, text, sourceLang, targetLang)
		if err == nil {
			return translated, nil
		}
		log.Warnf("translate: openai failed, trying google: %v", err)
	}

	if r.cfg.GoogleAPIKey != "" {
		translated, err := r.translateGoogle(ctx, text, sourceLang, targetLang)
		if err == nil {
			return translated, nil
		}
		log.Warnf("translate: google failed, trying deepl: %v", err)
	}

	if r.cfg.DeepLAPIKey != "" {
		translated, err := r.translateDeepL(ctx, text, sourceLang, targetLang)
		if err == nil {
			return translated, nil
		}
		log.Warnf("translate: deepl failed, trying libretranslate: %v", err)
	}

	return r.translateLibre(ctx, text, sourceLang, targetLang)
}

var languageNames = map[string]string{
	"en": "English", "zh-cn": "Simplified Chinese", "zh-tw": "Traditional Chinese",
	"ja": "Japanese", "ko": "Korean", "fr": "French", "de": "German",
	"es": "Spanish", "ru": "Russian", "it": "Italian", "pt": "Portuguese", "ar": "Arabic",
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

func (r *Router) translateOpenAI(ctx context.Context, text, sourceLang, targetLang string) (translated string, err error) {
	defer observeProviderCall("openai", time.Now(), &err)

	if err := r.wait(ctx, "openai"); err != nil {
		return "", err
	}

	sourceName := languageNames[sourceLang]
	if sourceName == "" {
		sourceName = sourceLang
	}
	targetName := languageNames[targetLang]
	if targetName == "" {
		targetName = targetLang
	}

	prompt := fmt.Sprintf("Translate the following text from %s to %s. "+
		"Provide only the translation without any additional text or explanation.\n\nText to translate:\n%s",
		sourceName, targetName, text)

	reqBody := openAIRequest{
		Model: "gpt-3.5-turbo",
		Messages: []openAIMessage{
			{Role: "system", Content: "You are a professional translator. Provide accurate and natural translations."},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   2000,
		Temperature: 0.3,
	}

	var out openAIResponse
	if err := r.postJSON(ctx, "https://api.openai.com/v1/chat/completions", map[string]string{
		"Authorization": "Bearer " + r.cfg.OpenAIAPIKey,
		"Content-Type":  "application/json",
	}, reqBody, &out); err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}

	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices")
	}
	return out.Choices[0].Message.Content, nil
}

var googleCodes = map[string]string{
	"zh-cn": "zh-cn", "zh-tw": "zh-tw", "ja": "ja", "ko": "ko", "en": "en",
	"fr": "fr", "de": "de", "es": "es", "ru": "ru", "it": "it", "pt": "pt", "ar": "ar",
	"hi": "hi", "th": "th", "vi": "vi", "tr": "tr", "pl": "pl", "nl": "nl",
	"sv": "sv", "da": "da", "no": "no", "fi": "fi",
}

func googleCode(lang string) string {
	if c, ok := googleCodes[lang]; ok {
		return c
	}
	return "en"
}

type googleResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText string `json:"translatedText"`
		} `json:"translations"`
	} `json:"data"`
}

func (r *Router) translateGoogle(ctx context.Context, text, sourceLang, targetLang string) (translated string, err error) {
	defer observeProviderCall("google", time.Now(), &err)

	if err := r.wait(ctx, "google"); err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("key", r.cfg.GoogleAPIKey)
	q.Set("q", text)
	q.Set("source", googleCode(sourceLang))
	q.Set("target", googleCode(targetLang))
	q.Set("format", "text")

	endpoint := "https://translation.googleapis.com/language/translate/v2?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("google: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("google: status %d: %s", resp.StatusCode, string(body))
	}

	var out googleResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("google: decoding response: %w", err)
	}
	if len(out.Data.Translations) == 0 {
		return "", fmt.Errorf("google: empty translations")
	}
	return out.Data.Translations[0].TranslatedText, nil
}

var deepLCodes = map[string]string{
	"zh-cn": "ZH-HANS", "zh-tw": "ZH-HANT", "ja": "JA", "ko": "KO",
	"en": "EN", "en-gb": "EN", "en-us": "EN", "fr": "FR", "de": "DE",
	"es": "ES", "ru": "RU", "it": "IT", "pt": "PT", "pt-br": "PT", "pt-pt": "PT",
	"ar": "AR", "th": "TH", "vi": "VI", "tr": "TR", "pl": "PL", "nl": "NL",
	"sv": "SV", "da": "DA", "no": "NB", "fi": "FI",
}

func deepLCode(lang string) string {
	if c, ok := deepLCodes[lang]; ok {
		return c
	}
	return "EN"
}

type deepLResponse struct {
	Translations []struct {
		Text string `json:"text"`
	} `json:"translations"`
}

func (r *Router) translateDeepL(ctx context.Context, text, sourceLang, targetLang string) (translated string, err error) {
	defer observeProviderCall("deepl", time.Now(), &err)

	if err := r.wait(ctx, "deepl"); err != nil {
		return "", err
	}

	apiURL := r.cfg.DeepLAPIURL
	if apiURL == "" {
		apiURL = "https://api-free.deepl.com"
	}

	form := url.Values{}
	form.Set("text", text)
	form.Set("source_lang", deepLCode(sourceLang))
	form.Set("target_lang", deepLCode(targetLang))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/v2/translate", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "DeepL-Auth-Key "+r.cfg.DeepLAPIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepl: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("deepl: status %d: %s", resp.StatusCode, string(body))
	}

	var out deepLResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("deepl: decoding response: %w", err)
	}
	if len(out.Translations) == 0 {
		return "", fmt.Errorf("deepl: empty translations")
	}
	return out.Translations[0].Text, nil
}

var libreCodes = map[string]string{
	"zh-cn": "zh", "zh-tw": "zh", "ja": "ja", "ko": "ko", "en": "en",
	"fr": "fr", "de": "de", "es": "es", "ru": "ru", "it": "it", "pt": "pt", "ar": "ar",
}

func libreCode(lang string) string {
	if c, ok := libreCodes[lang]; ok {
		return c
	}
	return "en"
}

type libreRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type libreResponse struct {
	TranslatedText string `json:"translatedText"`
}

func (r *Router) translateLibre(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	translated, err := r.callLibre(ctx, text, sourceLang, targetLang)
	if err != nil {
		log.Warnf("translate: libretranslate failed, using local placeholder: %v", err)
		return fmt.Sprintf("[Translated from %s to %s]: %s", sourceLang, targetLang, text), nil
	}
	return translated, nil
}

func (r *Router) callLibre(ctx context.Context, text, sourceLang, targetLang string) (translated string, err error) {
	defer observeProviderCall("libretranslate", time.Now(), &err)

	if err := r.wait(ctx, "libretranslate"); err != nil {
		return "", err
	}

	endpoint := r.cfg.LibreTranslateURL
	if endpoint == "" {
		endpoint = "https://libretranslate.de/translate"
	}

	reqBody := libreRequest{
		Q:      text,
		Source: libreCode(sourceLang),
		Target: libreCode(targetLang),
		Format: "text",
	}

	var out libreResponse
	if err := r.postJSON(ctx, endpoint, map[string]string{"Content-Type": "application/json"}, reqBody, &out); err != nil {
		return "", err
	}
	return out.TranslatedText, nil
}

func (r *Router) postJSON(ctx context.Context, endpoint string, headers map[string]string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}

	return json.Unmarshal(respBody, out)
}
