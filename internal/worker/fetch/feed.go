// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fetch

import (
	"encoding/xml"
	"fmt"
)

// rssFeed matches RSS 2.0 documents.
type rssFeed struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

// atomFeed matches Atom documents, where the link lives in an href
// attribute and the body in <summary> or <content>.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title string `xml:"title"`
	Links []struct {
		Rel  string `xml:"rel,attr"`
		Href string `xml:"href,attr"`
	} `xml:"link"`
	Summary   string `xml:"summary"`
	Content   string `xml:"content"`
	Published string `xml:"published"`
	Updated   string `xml:"updated"`
}

// parseFeed normalizes an RSS or Atom document into items.
func parseFeed(body []byte) ([]interface{}, error) {
	var rss rssFeed
	if err := xml.Unmarshal(body, &rss); err == nil && len(rss.Channel.Items) > 0 {
		items := make([]interface{}, 0, len(rss.Channel.Items))
		for _, it := range rss.Channel.Items {
			items = append(items, item{
				Title:       it.Title,
				Link:        it.Link,
				Description: truncate(it.Description, descriptionLimit),
				PubDate:     it.PubDate,
			})
		}
		return items, nil
	}

	var atom atomFeed
	if err := xml.Unmarshal(body, &atom); err == nil && len(atom.Entries) > 0 {
		items := make([]interface{}, 0, len(atom.Entries))
		for _, entry := range atom.Entries {
			link := ""
			for _, l := range entry.Links {
				if l.Rel == "" || l.Rel == "alternate" {
					link = l.Href
					break
				}
			}
			body := entry.Summary
			if body == "" {
				body = entry.Content
			}
			published := entry.Published
			if published == "" {
				published = entry.Updated
			}
			items = append(items, item{
				Title:       entry.Title,
				Link:        link,
				Description: truncate(body, descriptionLimit),
				PubDate:     published,
			})
		}
		return items, nil
	}

	return nil, fmt.Errorf("document is neither a parsable RSS nor Atom feed")
}
