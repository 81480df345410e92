// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package searchdb

// Painless scripts driving scripted bulk updates. Both scripts iterate
// params.predicates, so one update covers many field changes for the
// same document, and both are idempotent so replayed changes leave the
// document as it is.

// addFieldScript appends a value under a field key, creating the key
// when absent and skipping values already present.
const addFieldScript = `void add(def object, def key, def value){
                         if (object[key] != null) {
                            if(!object[key].contains(value)) {
                                object[key].add(value)
                            }
                         }else {
                            object[key] = [value]
                         }
                      }
                      for (predicate in params.predicates){
                          if (predicate["key"]=="entity_type"){
                              add(ctx._source, predicate["key"], predicate["value"])
                          }
                          else {
                              if (ctx._source["predicates"] == null){
                                 ctx._source["predicates"] = new HashMap()
                              }
                              add(ctx._source.predicates, predicate["key"], predicate["value"])
                          }
                      }`

// dropFieldScript removes a value under a field key, deleting the key
// when its last value goes away and deleting the whole document once
// only entity_id and document_type remain.
const dropFieldScript = `void remove(def object, def key, def value){
                         if (object[key] != null) {
                             object[key].removeIf(x -> x.equals(value));
                             if (object[key].length == 0){
                                object.remove(key)
                             }
                         }
                       }
                       for (predicate in params.predicates){
                           if (predicate["key"]=="entity_type"){
                               remove(ctx._source, predicate["key"], predicate["value"])
                           }
                           else if(ctx._source["predicates"] != null){
                               remove(ctx._source.predicates, predicate["key"], predicate["value"])
                           }
                       }
                       if (ctx._source["predicates"] != null && ctx._source.predicates.size() == 0){
                           ctx._source.remove("predicates")
                       }
                       if(ctx._source.size() == 2){
                           ctx.op = "delete"
                       }else{
                           ctx.op = "index"
                       }`
