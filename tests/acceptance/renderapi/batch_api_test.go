package renderapi_test

import (
	"encoding/json"
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/valyala/fasthttp"

	"github.com/pagelens/renderd/internal/config"
	"github.com/pagelens/renderd/pkg/types"
)

var _ = Describe("POST /batch", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newEnv()
	})

	It("renders every URL and aggregates the outcomes", func() {
		for i := 0; i < 5; i++ {
			env.engine.page(fmt.Sprintf("https://shop.example/p/%d", i), pageBehavior{
				html: fmt.Sprintf("<html><body>product %d</body></html>", i),
			})
		}

		urls := make([]string, 5)
		for i := range urls {
			urls[i] = fmt.Sprintf("https://shop.example/p/%d", i)
		}

		resp := env.do(fasthttp.MethodPost, "/batch", types.BatchRequest{
			URLs:        urls,
			Concurrency: 2,
		})
		Expect(resp.Response.StatusCode()).To(Equal(fasthttp.StatusOK))

		env2 := decodeEnvelope(resp)
		var result types.BatchResult
		Expect(json.Unmarshal(env2.Data, &result)).To(Succeed())
		Expect(result.Total).To(Equal(5))
		Expect(result.Succeeded).To(Equal(5))
		Expect(result.Failed).To(BeZero())

		seen := map[string]bool{}
		for _, r := range result.Results {
			Expect(r.RequestID).NotTo(BeEmpty())
			Expect(seen[r.RequestID]).To(BeFalse(), "request ids must be unique per item")
			seen[r.RequestID] = true
		}
	})

	It("keeps failures isolated to their URL", func() {
		env.engine.page("https://shop.example/ok", pageBehavior{html: "<html><body>ok</body></html>"})
		env.engine.page("https://shop.example/broken", pageBehavior{
			navErr: errors.New("page load error net::ERR_CONNECTION_REFUSED"),
		})

		resp := env.do(fasthttp.MethodPost, "/batch", types.BatchRequest{
			URLs: []string{"https://shop.example/ok", "https://shop.example/broken"},
		})
		Expect(resp.Response.StatusCode()).To(Equal(fasthttp.StatusOK))

		var result types.BatchResult
		Expect(json.Unmarshal(decodeEnvelope(resp).Data, &result)).To(Succeed())
		Expect(result.Succeeded).To(Equal(1))
		Expect(result.Failed).To(Equal(1))
		Expect(result.Errors).To(HaveLen(1))
		Expect(result.Errors[0].URL).To(Equal("https://shop.example/broken"))
		Expect(string(result.Errors[0].Category)).To(Equal("NETWORK"))
	})

	It("rejects batches over the configured size limit", func() {
		env = newEnv(func(cfg *config.Config) {
			cfg.Batch.MaxURLs = 2
		})

		resp := env.do(fasthttp.MethodPost, "/batch", types.BatchRequest{
			URLs: []string{"https://a.example/", "https://b.example/", "https://c.example/"},
		})
		Expect(resp.Response.StatusCode()).To(Equal(fasthttp.StatusBadRequest))
		Expect(decodeEnvelope(resp).Error.Category).To(Equal("VALIDATION"))
	})
})
